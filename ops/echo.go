package ops

import (
	jsonproc "github.com/xizhibei/go-json-processor"
)

// HandleEcho replies with the request object it received.
func HandleEcho(c jsonproc.Context) {
	c.ReplyOK(jsonproc.Fields{
		"result":      "Echo successful",
		"echoed_data": c.Payload(),
	})
}
