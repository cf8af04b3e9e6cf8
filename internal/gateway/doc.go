// Package gateway orchestrates the cauldron server components.
//
// # Overview
//
// The gateway package is the composition root of the cauldron server. It
// owns the store, the agent manager, the job manager, the dispatcher, the
// bridge and the gRPC and HTTP servers, and shuts them down in reverse
// dependency order.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/commands - Run a command, synchronously or as an async job
//   - GET /api/jobs - List jobs, optionally by status
//   - GET /api/jobs/{id} - Poll a job
//   - GET /api/jobs/{id}/wait - Block until a job finishes or a timeout elapses
//   - GET /api/volumes - List volumes with their pending job
//   - GET /api/hosts - List hosts with connectivity and counters (admin)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// An async submission answers 202 with the job id:
//
//	{"jobid": 12, "jobstatus": "queued", "instancetype": "Volume", "instanceid": 3}
//
// Failures carry a numeric code:
//
//	{"error": "concurrency limit reached, retry later", "errorcode": 539}
//
// # gRPC Service
//
// Host agents connect to the HostAgent service:
//
//	service HostAgent {
//	    rpc Connect(stream AgentMessage) returns (stream ServerMessage);
//	}
//
// The first message must register with the host's name and shared secret.
// A second stream for the same host supersedes the first.
//
// # Authentication
//
// With auth.jwt_secret set, API requests need a bearer token naming an
// account and user. Without it, every request runs as the system account.
package gateway
