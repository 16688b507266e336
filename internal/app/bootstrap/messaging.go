package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/messaging"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const twilioStatusPath = "/webhooks/twilio/status"

// BuildSender picks Twilio when credentials are present and the stub
// otherwise. The returned string names the provider for startup logs.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) (messaging.Sender, string) {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return messaging.NewStubSender(logger), "stub"
	}
	return messaging.NewTwilioSender(messaging.TwilioConfig{
		AccountSID:        cfg.TwilioAccountSID,
		AuthToken:         cfg.TwilioAuthToken,
		SMSFrom:           cfg.TwilioFromNumber,
		WhatsAppFrom:      cfg.TwilioWhatsAppFrom,
		StatusCallbackURL: TwilioStatusURL(cfg),
	}, logger), "twilio"
}

// TwilioStatusURL is the public URL Twilio posts delivery updates to. It is
// also the URL the webhook signature is computed over.
func TwilioStatusURL(cfg *appconfig.Config) string {
	if cfg.PublicBaseURL == "" {
		return ""
	}
	return cfg.PublicBaseURL + twilioStatusPath
}

// BuildDeliveryStore prefers DynamoDB when a table is configured, then
// Postgres, then memory.
func BuildDeliveryStore(cfg *appconfig.Config, awsCfg *aws.Config, pool *pgxpool.Pool, logger *logging.Logger) (messaging.DeliveryStore, string) {
	switch {
	case cfg.DeliveryLogTable != "" && awsCfg != nil:
		return messaging.NewDynamoDeliveryStore(dynamodb.NewFromConfig(*awsCfg), cfg.DeliveryLogTable, logger), "dynamodb"
	case pool != nil:
		return messaging.NewPostgresDeliveryStore(pool), "postgres"
	default:
		return messaging.NewMemoryDeliveryStore(), "memory"
	}
}
