package engine

import "context"

// detectOrder is the probe order for backend autodetection. Ollama first:
// it is the most common local server and its /api/tags endpoint is cheap to
// rule out.
var detectOrder = []Kind{KindOllama, KindMLX, KindTensorRT}

// Detect probes host:port for each known engine kind and returns the first
// that answers, along with its model list. The second return is false when
// nothing answered.
func Detect(ctx context.Context, host string, port int) (ProbeResult, bool) {
	for _, kind := range detectOrder {
		res := ProbeEndpoint(ctx, host, port, kind)
		if res.Reachable {
			return res, true
		}
	}
	return ProbeResult{}, false
}
