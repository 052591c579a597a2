package monitoring

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/medsync/medsync-app/conf"
	"github.com/medsync/medsync-app/log"
)

var a *apm

type apm struct {
	App *newrelic.Application
}

// Start opens a named transaction. Safe to call when the agent failed to
// initialize; all transaction methods tolerate nil.
func (a apm) Start(msg string) *newrelic.Transaction {
	if a.App != nil {
		return a.App.StartTransaction(msg)
	}
	return nil
}

func (a apm) End(txn *newrelic.Transaction) {
	txn.End()
}

// WithTransaction returns ctx carrying txn so downstream calls can attach
// segments via NewChildSegment.
func WithTransaction(ctx context.Context, txn *newrelic.Transaction) context.Context {
	return newrelic.NewContext(ctx, txn)
}

// NewChildSegment opens a segment on the transaction carried by ctx, if any.
func NewChildSegment(ctx context.Context, name string) *newrelic.Segment {
	txn := newrelic.FromContext(ctx)
	return txn.StartSegment(name)
}

func GetMonitor() *apm {
	if a == nil {
		target := conf.GetEnv("DEPLOYMENT_TARGET")
		if target == "" {
			target = "local"
		}
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(fmt.Sprintf("MEDSYNC-%s", target)),
			newrelic.ConfigLicense(conf.GetEnv("NEW_RELIC_LICENSE_KEY")),
			newrelic.ConfigEnabled(true),
			func(cfg *newrelic.Config) {
				cfg.HighSecurity = true
			},
		)
		if err != nil {
			log.API.Error(err)
		}
		a = &apm{
			App: app,
		}
	}
	return a
}
