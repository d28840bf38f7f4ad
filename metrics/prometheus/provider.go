package prometheus

import (
	"context"
	"time"

	"github.com/promptforge/promptforge/providers"
)

// instrumentedProvider decorates a Provider so every completion round
// trip lands in the provider collectors.
type instrumentedProvider struct {
	providers.Provider
}

// InstrumentProvider wraps p so Complete calls record duration, outcome,
// and token counters under the provider's ID and model labels. All
// other Provider methods pass through unchanged.
func InstrumentProvider(p providers.Provider) providers.Provider {
	return &instrumentedProvider{Provider: p}
}

func (ip *instrumentedProvider) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	started := time.Now()
	resp, err := ip.Provider.Complete(ctx, req)

	status := statusSuccess
	if err != nil {
		status = statusError
	}
	RecordProviderRequest(ip.ID(), ip.Model(), status, time.Since(started).Seconds())
	if resp != nil {
		RecordProviderTokens(ip.ID(), ip.Model(), resp.Usage)
	}
	return resp, err
}
