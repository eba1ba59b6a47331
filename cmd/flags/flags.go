package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/guardian-recovery-vault/api"
	"github.com/ruteri/guardian-recovery-vault/common"
	"github.com/ruteri/guardian-recovery-vault/recovery"
	"github.com/ruteri/guardian-recovery-vault/vault"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		RequestTimeout:           cCtx.Duration(RequestTimeoutFlag.Name),
		TrustProxyHeaders:        cCtx.Bool(TrustProxyFlag.Name),
	}
}

// ConfigureService builds the vault service configuration from the policy
// flags. Clock and metrics are left for the caller.
func ConfigureService(cCtx *cli.Context) vault.Config {
	cfg := vault.DefaultConfig()
	cfg.Policy = recovery.Policy{
		MaxRequestLifetime: cCtx.Duration(RequestLifetimeFlag.Name),
		DisputeWindow:      cCtx.Duration(DisputeWindowFlag.Name),
		VetoOnReject:       cCtx.Bool(VetoOnRejectFlag.Name),
		ReopenOnExpiry:     cCtx.Bool(ReopenOnExpiryFlag.Name),
		AutoExecute:        cCtx.Bool(AutoExecuteFlag.Name),
	}
	cfg.InvitationTTL = cCtx.Duration(InvitationTTLFlag.Name)
	cfg.MaxProofAge = cCtx.Duration(MaxProofAgeFlag.Name)
	return cfg
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var RequestTimeoutFlag = &cli.DurationFlag{
	Name:  "request-timeout",
	Value: 20 * time.Second,
	Usage: "maximum time to handle one API request, 0 to disable",
}
var TrustProxyFlag = &cli.BoolFlag{
	Name:  "trust-proxy",
	Value: false,
	Usage: "take client addresses from X-Forwarded-For / X-Real-IP",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
	RequestTimeoutFlag,
	TrustProxyFlag,
}

var RequestLifetimeFlag = &cli.DurationFlag{
	Name:    "request-lifetime",
	Value:   recovery.DefaultPolicy().MaxRequestLifetime,
	EnvVars: []string{"VAULT_REQUEST_LIFETIME"},
	Usage:   "maximum lifetime of a recovery request",
}
var DisputeWindowFlag = &cli.DurationFlag{
	Name:    "dispute-window",
	Value:   recovery.DefaultPolicy().DisputeWindow,
	EnvVars: []string{"VAULT_DISPUTE_WINDOW"},
	Usage:   "cooling-off period between quorum and execution",
}
var VetoOnRejectFlag = &cli.BoolFlag{
	Name:    "veto-on-reject",
	Value:   false,
	EnvVars: []string{"VAULT_VETO_ON_REJECT"},
	Usage:   "treat any guardian rejection as a dispute",
}
var ReopenOnExpiryFlag = &cli.BoolFlag{
	Name:    "reopen-on-expiry",
	Value:   true,
	EnvVars: []string{"VAULT_REOPEN_ON_EXPIRY"},
	Usage:   "open a fresh request when one expires while the vault is still triggered",
}
var AutoExecuteFlag = &cli.BoolFlag{
	Name:    "auto-execute",
	Value:   true,
	EnvVars: []string{"VAULT_AUTO_EXECUTE"},
	Usage:   "complete approved requests automatically after the dispute window",
}
var InvitationTTLFlag = &cli.DurationFlag{
	Name:    "invitation-ttl",
	Value:   vault.DefaultConfig().InvitationTTL,
	EnvVars: []string{"VAULT_INVITATION_TTL"},
	Usage:   "validity of guardian invitation tokens",
}
var MaxProofAgeFlag = &cli.DurationFlag{
	Name:    "max-proof-age",
	Value:   vault.DefaultConfig().MaxProofAge,
	EnvVars: []string{"VAULT_MAX_PROOF_AGE"},
	Usage:   "reject liveness proofs older than this",
}

var PolicyFlags = []cli.Flag{
	RequestLifetimeFlag,
	DisputeWindowFlag,
	VetoOnRejectFlag,
	ReopenOnExpiryFlag,
	AutoExecuteFlag,
	InvitationTTLFlag,
	MaxProofAgeFlag,
}

// ServerURLFlag points client tools at the API.
var ServerURLFlag = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"VAULT_SERVER"},
	Usage:   "base URL of the vault server",
}
