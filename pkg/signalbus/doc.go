/*
Package signalbus provides typed signals, named events and request/response
correlation over pluggable transports.

# Overview

signalbus is three layers stacked on a one-way Transport:

  - signal: a generic pub/sub primitive with Connect, Once, Fire, Wait and Destroy
  - event: a Registry mapping event names to signals, fed by transports
  - request: a Correlator that turns one-way sends into awaitable calls

A Bus wires the three together with a transport, a diagnostics journal and
optional OpenTelemetry instrumentation.

# Basic Usage

Attach two buses to an in-process hub and call one from the other:

	hub := loopback.NewHub()
	server, _ := hub.Connect("server")
	client, _ := hub.Connect("client")

	srv := signalbus.New(server)
	defer srv.Close()
	srv.Handle("echo", func(ctx context.Context, req request.Request) ([]any, error) {
	    return req.Args, nil
	})

	cli := signalbus.New(client)
	defer cli.Close()
	res, err := cli.Request(ctx, "echo", 5*time.Second, "hi")
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(res.Status, res.Args) // resolved [hi]

A request that nobody answers resolves with request.StatusTimedOut; one whose
context is cancelled first resolves with request.StatusCancelled. Neither is
an error. Errors are reserved for failures to send.

# Configuration

FromConfig builds the transport, codec, id generator, journal and
instrumentation from a config.BusConfig, typically loaded from a YAML, JSON
or HCL file:

	c, err := config.FromFile("bus.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	bc, err := config.ParseBusConfig(c)
	if err != nil {
	    log.Fatal(err)
	}
	bus, err := signalbus.FromConfig(ctx, bc)

# Diagnostics

Listener failures, handler failures and discarded responses never reach the
code that fired or requested. They are logged, counted and recorded in the
bus Journal:

	entries, _ := bus.Journal().List(20)
	for _, e := range entries {
	    fmt.Println(e.Kind, e.Event, e.Detail)
	}
*/
package signalbus
