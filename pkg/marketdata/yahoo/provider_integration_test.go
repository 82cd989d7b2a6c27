//go:build integration

package yahoo_test

import (
	"context"
	"testing"
	"time"

	_ "alphasim/internal/bootstrap/dotenv" // auto-load .env for dev/test
	appcfg "alphasim/internal/config"
	"alphasim/pkg/marketdata"
	_ "alphasim/pkg/marketdata/stub" // register stub provider
	"alphasim/pkg/marketdata/yahoo"

	"github.com/stretchr/testify/suite"
)

type YahooIntegrationSuite struct {
	suite.Suite
	Provider *yahoo.Provider
}

func (s *YahooIntegrationSuite) SetupSuite() {
	// Build providers via config module helpers so the test exercises the
	// same etc/marketdata.yaml wiring the daemon uses.
	providers, def := appcfg.MustBuildMarketProviders()
	prov, ok := providers[def]
	s.Require().True(ok, "default market data provider not built")

	yp, ok := prov.(*yahoo.Provider)
	if !ok {
		s.T().Skip("default provider is not yahoo; skipping integration tests")
	}
	s.Provider = yp
}

func (s *YahooIntegrationSuite) TestDailyBarsRecentWeek() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	to := marketdata.Day(time.Now().UTC())
	from := to.AddDate(0, 0, -7)

	bars, err := s.Provider.DailyBars(ctx, "AAPL", from, to)
	s.Require().NoError(err, "DailyBars(AAPL)")
	s.Require().NotEmpty(bars, "a calendar week should contain at least one session")

	prev := time.Time{}
	for _, bar := range bars {
		s.Equal("AAPL", bar.Symbol)
		s.Positive(bar.Close, "close should be positive")
		s.False(bar.Date.Before(from) || bar.Date.After(to), "bar outside requested range: %s", bar.Date)
		s.True(bar.Date.After(prev), "bars should be strictly ascending")
		s.Equal(marketdata.Day(bar.Date), bar.Date, "bar dates are normalized to midnight UTC")
		prev = bar.Date
	}
}

func TestYahooIntegrationSuite(t *testing.T) {
	suite.Run(t, new(YahooIntegrationSuite))
}
