package jsonproc

// Module supplies the handlers of the request families. A processor is only
// initialized when its module provides a handler for every RequestType.
type Module interface {
	Name() string
	Handlers() map[RequestType]*Handler
}
