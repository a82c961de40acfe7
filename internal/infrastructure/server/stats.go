package server

import (
	"context"
	"io"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/status"
)

// StatsInterface is the interface name of the statistics service.
const StatsInterface = "binderd.IStats"

// CodeSnapshot returns the current statistics as a JSON string.
const CodeSnapshot uint32 = binder.FirstCallTransaction

// statsService publishes the daemon's metrics snapshot over binder.
type statsService struct {
	metrics *monitoring.Metrics
}

var (
	_ binder.Binder = (*statsService)(nil)
	_ binder.Dumper = (*statsService)(nil)
)

func (*statsService) InterfaceName() string { return StatsInterface }

func (s *statsService) OnTransact(_ context.Context, code uint32, _, reply *binder.Parcel) error {
	if code != CodeSnapshot {
		return status.FromCode(status.UnknownTransaction)
	}
	out, err := sonic.MarshalString(s.metrics.Snapshot())
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return reply.WriteString(out)
}

func (s *statsService) OnDump(_ context.Context, out io.Writer, _ []string) error {
	b, err := sonic.ConfigDefault.MarshalIndent(s.metrics.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	_, err = out.Write(append(b, '\n'))
	return err
}
