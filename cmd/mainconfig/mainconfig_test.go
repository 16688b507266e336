package mainconfig

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
)

func TestNeedsAWS(t *testing.T) {
	assert.False(t, NeedsAWS(&appconfig.Config{UseMemoryQueue: true}))
	assert.False(t, NeedsAWS(&appconfig.Config{UseMemoryQueue: true, JobQueueURL: "https://sqs/queue"}))
	assert.True(t, NeedsAWS(&appconfig.Config{JobQueueURL: "https://sqs/queue"}))
	assert.True(t, NeedsAWS(&appconfig.Config{UseMemoryQueue: true, DeliveryLogTable: "deliveries"}))
	assert.True(t, NeedsAWS(&appconfig.Config{UseMemoryQueue: true, SESFromEmail: "ops@clinic.test"}))
}

func TestLoadAWSConfigEndpointOverride(t *testing.T) {
	cfg := &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}
	awsCfg, err := LoadAWSConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)

	for _, svc := range []string{sqs.ServiceID, sesv2.ServiceID} {
		ep, err := awsCfg.EndpointResolverWithOptions.ResolveEndpoint(svc, "us-east-1")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:4566", ep.URL)
	}
	_, err = awsCfg.EndpointResolverWithOptions.ResolveEndpoint("S3", "us-east-1")
	assert.Error(t, err)
}
