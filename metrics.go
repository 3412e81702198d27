package sockrpc

import "expvar"

var (
	serverMetrics = new(expvar.Map)

	serversActiveGauge   = new(expvar.Int)
	connsAssignedCount   = new(expvar.Int)
	rpcRequestsCount     = new(expvar.Int)
	rpcErrorsCount       = new(expvar.Int)
	bytesReadCount       = new(expvar.Int)
	bytesWrittenCount    = new(expvar.Int)
	asyncTasksStarted    = new(expvar.Int)
)

func init() {
	serverMetrics.Set("servers_active", serversActiveGauge)
	serverMetrics.Set("connections_assigned", connsAssignedCount)
	serverMetrics.Set("rpc_requests", rpcRequestsCount)
	serverMetrics.Set("rpc_errors", rpcErrorsCount)
	serverMetrics.Set("bytes_read", bytesReadCount)
	serverMetrics.Set("bytes_written", bytesWrittenCount)
	serverMetrics.Set("async_tasks", asyncTasksStarted)
}

// Metrics returns a map of exported runtime metrics for use with the expvar
// package. The map is shared among all servers and clients in the process.
// The caller is responsible for publishing it to an exporter via
// expvar.Publish or similar.
func Metrics() *expvar.Map { return serverMetrics }
