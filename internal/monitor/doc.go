// Package monitor is the operator side of the shipline HTTP API: a typed
// client for the control endpoints and event streams, and a BubbleTea
// dashboard that follows one task through its stages.
package monitor
