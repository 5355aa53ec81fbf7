// Package testutil provides in-memory stand-ins for the stagegrid transports.
//
// Hub is a process-local message bus and naming service. Every Bus handed
// out by a Hub shares its subjects and names, so a test can run a
// coordinator and several workers in one process:
//
//	hub := testutil.NewHub()
//	coord, _ := control.New(cfg("a"), hub.Bus(), hub.Names())
//	worker, _ := control.New(cfg("b"), hub.Bus(), hub.Names())
//
// Delivery is asynchronous and ordered per subscription, like a NATS
// subscription. Publishing to a subject without subscribers drops the
// message.
//
// WriteFileset creates numbered files for fileset and listing tests.
package testutil
