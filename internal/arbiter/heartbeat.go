package arbiter

import (
	"os"
	"time"

	"github.com/uib-gmbh/confd/internal/auth"
)

// SignHeartbeat produces a signed heartbeat token a worker presents to the
// arbiter to prove liveness and identity, repurposing the encrypted-claims
// JWT machinery built for user sessions into a narrower, internal
// worker/arbiter credential carrying the worker's slot, OS pid, and current
// RSS so the arbiter's garbage collector can decide whether to recycle it.
func SignHeartbeat(tokens *auth.TokenManager, nodeName string, workerNum int, rssBytes int64) (string, error) {
	return tokens.GenerateHeartbeatToken(nodeName, auth.HeartbeatClaims{
		WorkerNum: workerNum,
		PID:       os.Getpid(),
		RSSBytes:  rssBytes,
		StartedAt: time.Now(),
	})
}

// VerifyHeartbeat validates a heartbeat token and returns the node it was
// issued from along with the worker's reported liveness data.
func VerifyHeartbeat(tokens *auth.TokenManager, token string) (nodeName string, hb auth.HeartbeatClaims, err error) {
	return tokens.ValidateHeartbeatToken(token)
}
