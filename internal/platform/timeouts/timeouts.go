// Package timeouts defines shared timeout constants used across the runtime.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a remote domain.
const GRPCDial = 2 * time.Second

// GRPCConnect caps every dial attempt to a remote domain combined, including
// backoff sleeps between attempts.
const GRPCConnect = 10 * time.Second

// GRPCDialCooldown is how long a domain that failed to connect is reported
// unreachable before it is dialed again.
const GRPCDialCooldown = 5 * time.Second

// GRPCRequest caps a single remote command or fetch. Saga dispatch applies it
// per attempt, not per saga run.
const GRPCRequest = 5 * time.Second

// WebhookRequest caps one escalation POST.
const WebhookRequest = 5 * time.Second

// DeadLetterWrite caps one dead-letter append.
const DeadLetterWrite = 2 * time.Second

// Shutdown limits how long the gRPC server waits for in-flight commands
// during graceful shutdown.
const Shutdown = 5 * time.Second
