// Package server exposes a notebook runtime over HTTP and WebSocket.
//
// The REST surface under /api/v1 covers variables, formulas, inputs, code
// cells, markdown cells and whole-notebook loads. GET /ws upgrades to a
// WebSocket on which clients subscribe to reactive values and receive a
// change push for every accepted write:
//
//	rt := notebook.NewRuntime(notebook.Config{})
//	defer rt.Close()
//
//	srv := server.New(rt, server.WithLogger(logger))
//	http.ListenAndServe(":8080", srv)
//
// Client operations are JSON text frames such as
// {"op":"subscribe","name":"total"} and {"op":"set","name":"price",
// "value":12}. The server answers with {"type":"change",...} pushes carrying
// the value and its version. Set operations on defined inputs go through
// constraint checks; violations come back as {"type":"error",...}.
//
// GET /metrics serves the configured prometheus gatherer and GET /healthz
// reports liveness.
package server
