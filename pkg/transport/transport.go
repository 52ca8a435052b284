package transport

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("udp request timed out")

type Endpoint struct {
	AgentID  int
	Host     string
	Port     int
	Password string
}

type Response struct {
	Payload string
	Latency time.Duration
}

type Requester interface {
	Request(ctx context.Context, agent Endpoint, payload string) (Response, error)
}
