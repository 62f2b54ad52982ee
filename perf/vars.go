package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency    = metric.NewHistogram("1m1s")
	FramesSent         = metric.NewCounter("10s1s")
	FramesReceived     = metric.NewCounter("10s1s")
	FramesDropped      = metric.NewCounter("10s1s")
	FrameSendErrors    = metric.NewCounter("10s1s")
	SentBytesPerSecond = metric.NewCounter("10s1s")
	RecvBytesPerSecond = metric.NewCounter("10s1s")
	AddressQueries     = metric.NewCounter("1m1s")
	RoleChanges        = metric.NewCounter("1m1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("weft:FramesSent/s", FramesSent)
	expvar.Publish("weft:FramesReceived/s", FramesReceived)
	expvar.Publish("weft:FramesDropped/s", FramesDropped)
	expvar.Publish("weft:FrameSendErrors/s", FrameSendErrors)
	expvar.Publish("weft:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("weft:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("weft:AddressQueries", AddressQueries)
	expvar.Publish("weft:RoleChanges", RoleChanges)
	expvar.Publish("weft:DispatchLatency (µs)", DispatchLatency)
}
