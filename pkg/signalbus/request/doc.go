// Package request turns a one-way transport into awaitable calls.
//
// A Correlator tags every outgoing request with a fresh id, keeps the request
// in a pending table and waits for whichever comes first: a response carrying
// the same id, the request timeout, or cancellation of the caller's context.
// Exactly one of the three resolves a request. The entry leaves the table at
// that moment, so a response arriving afterwards is discarded.
//
// Wire shape:
//
//	request:  event      (id, args...)   to the target peer or broadcast
//	response: ReplyEvent (id, args...)   to the requester
//
// Caller side:
//
//	c := request.NewCorrelator(tr, reg)
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	res, err := c.Request(ctx, "echo", 5*time.Second, "hi")
//	if err != nil {
//	    return err // validation, codec or transport failure
//	}
//	if res.Status == request.StatusTimedOut {
//	    // no answer in time
//	}
//
// Responder side:
//
//	c.Handle("echo", func(ctx context.Context, req request.Request) ([]any, error) {
//	    return req.Args, nil
//	})
//
// Timeout and cancellation are result values, not errors.
package request
