// Package ops loads the daemon configuration file and watches it for risk
// limit hot reloads.
package ops

import (
	"encoding/json"
	"os"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	SocketPath  string             `json:"socketPath"`
	AuditDir    string             `json:"auditDir"`
	MetricsAddr string             `json:"metricsAddr"`
	Pyroscope   PyroscopeConfig    `json:"pyroscope"`
	Gateway     GatewayConfig      `json:"gateway"`
	Account     AccountConfig      `json:"account"`
	Risk        RiskConfig         `json:"risk"`
	Instruments []InstrumentConfig `json:"instruments"`
}

// PyroscopeConfig enables continuous profiling when ServerAddress is set.
type PyroscopeConfig struct {
	ServerAddress   string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// GatewayConfig selects and tunes the broker gateway.
type GatewayConfig struct {
	Kind          string  `json:"kind"` // sim | ws
	Endpoint      string  `json:"endpoint"`
	SubmitTimeout string  `json:"submitTimeout"` // Go duration, default 5s
	SimSeed       int64   `json:"simSeed"`
	SimTickMillis int     `json:"simTickMillis"`
	SimBasePrice  float64 `json:"simBasePrice"`
}

// AccountConfig seeds the local book.
type AccountConfig struct {
	Cash float64 `json:"cash"`
}

// RiskConfig mirrors the base risk limits.
type RiskConfig struct {
	MaxPositionPct       float64  `json:"maxPositionPct"`
	MaxOrderValue        float64  `json:"maxOrderValue"`
	MaxDailyLossPct      float64  `json:"maxDailyLossPct"`
	MaxSectorExposurePct float64  `json:"maxSectorExposurePct"`
	MaxSingleNamePct     float64  `json:"maxSingleNamePct"`
	MaxOpenOrders        int      `json:"maxOpenOrders"`
	OrderRateLimit       int      `json:"orderRateLimit"`
	DuplicateWindowSec   int      `json:"duplicateWindowSeconds"`
	SymbolAllowlist      []string `json:"symbolAllowlist"`
	SymbolBlocklist      []string `json:"symbolBlocklist"`
}

// InstrumentConfig describes one tradable symbol.
type InstrumentConfig struct {
	Symbol   string  `json:"symbol"`
	Sector   string  `json:"sector"`
	Exchange string  `json:"exchange"`
	TickSize float64 `json:"tickSize"`
	LotSize  float64 `json:"lotSize"`
}

// Loaded is the resolved runtime configuration.
type Loaded struct {
	SocketPath    string
	AuditDir      string
	MetricsAddr   string
	Pyroscope     PyroscopeConfig
	Gateway       GatewayConfig
	SubmitTimeout time.Duration
	Cash          float64
	Limits        schema.RiskLimits
	Registry      *schema.Registry
}

// Load reads and resolves a config file.
func Load(path string) (Loaded, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	var fc FileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return Loaded{}, errors.Wrapf(err, "parse config %s", path)
	}
	return resolve(fc)
}

func resolve(fc FileConfig) (Loaded, error) {
	out := Loaded{
		SocketPath:  fc.SocketPath,
		AuditDir:    fc.AuditDir,
		MetricsAddr: fc.MetricsAddr,
		Pyroscope:   fc.Pyroscope,
		Gateway:     fc.Gateway,
		Cash:        fc.Account.Cash,
		Limits:      fc.Risk.toLimits(),
	}
	if out.SocketPath == "" {
		out.SocketPath = "/tmp/brokerd.sock"
	}
	if out.AuditDir == "" {
		out.AuditDir = "audit"
	}
	if out.Gateway.Kind == "" {
		out.Gateway.Kind = "sim"
	}
	if out.Gateway.Kind != "sim" && out.Gateway.Kind != "ws" {
		return Loaded{}, errors.Errorf("unknown gateway kind %q", out.Gateway.Kind)
	}
	if out.Gateway.Kind == "ws" && out.Gateway.Endpoint == "" {
		return Loaded{}, errors.New("ws gateway requires endpoint")
	}
	if out.Cash <= 0 {
		out.Cash = 1_000_000
	}

	out.SubmitTimeout = 5 * time.Second
	if fc.Gateway.SubmitTimeout != "" {
		d, err := time.ParseDuration(fc.Gateway.SubmitTimeout)
		if err != nil || d <= 0 {
			return Loaded{}, errors.Errorf("invalid submitTimeout %q", fc.Gateway.SubmitTimeout)
		}
		out.SubmitTimeout = d
	}

	out.Registry = schema.NewRegistry()
	for _, inst := range fc.Instruments {
		if err := out.Registry.Add(schema.Instrument{
			Symbol:   inst.Symbol,
			Sector:   inst.Sector,
			Exchange: inst.Exchange,
			TickSize: inst.TickSize,
			LotSize:  inst.LotSize,
		}); err != nil {
			return Loaded{}, errors.Wrap(err, "build registry")
		}
	}
	return out, nil
}

func (rc RiskConfig) toLimits() schema.RiskLimits {
	limits := schema.RiskLimits{
		MaxPositionPct:       rc.MaxPositionPct,
		MaxOrderValue:        rc.MaxOrderValue,
		MaxDailyLossPct:      rc.MaxDailyLossPct,
		MaxSectorExposurePct: rc.MaxSectorExposurePct,
		MaxSingleNamePct:     rc.MaxSingleNamePct,
		MaxOpenOrders:        rc.MaxOpenOrders,
		OrderRateLimit:       rc.OrderRateLimit,
		DuplicateWindowSec:   rc.DuplicateWindowSec,
	}
	if len(rc.SymbolAllowlist) > 0 {
		limits.SymbolAllowlist = make(map[string]bool, len(rc.SymbolAllowlist))
		for _, s := range rc.SymbolAllowlist {
			limits.SymbolAllowlist[s] = true
		}
	}
	if len(rc.SymbolBlocklist) > 0 {
		limits.SymbolBlocklist = make(map[string]bool, len(rc.SymbolBlocklist))
		for _, s := range rc.SymbolBlocklist {
			limits.SymbolBlocklist[s] = true
		}
	}
	return limits
}
