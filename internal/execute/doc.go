// Package execute turns assistant device commands into controller
// service calls and verifies the outcome.
//
// Each device's directives run sequentially in the order received;
// different devices run in parallel. Service calls retry on transport
// failure, then a two-stage state check confirms the device actually
// moved. In lenient mode (the default) a non-converging check still
// reports success with the observed state; strict mode fails it.
package execute
