// Package controller provides the REST client for the home-automation
// controller: listing entities, reading single-entity state, and invoking
// service actions.
//
// The client assumes no synchronous consistency between a service call and
// the next state read; command verification (settle delay then re-read)
// lives in the execute package.
package controller
