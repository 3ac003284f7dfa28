package awsx

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// LoadConfig loads the AWS SDK config from the environment. AWS_ENDPOINT,
// when set, points every client at a LocalStack edge URL instead of AWS.
func LoadConfig(ctx context.Context) (sdkaws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}

	endpoint := os.Getenv("AWS_SNS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT")
	}
	if endpoint != "" {
		signingRegion := cfg.Region
		if signingRegion == "" {
			signingRegion = os.Getenv("AWS_REGION")
		}
		cfg.EndpointResolverWithOptions = sdkaws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (sdkaws.Endpoint, error) {
				sr := signingRegion
				if sr == "" {
					sr = region
				}
				return sdkaws.Endpoint{
					URL:               endpoint,
					SigningRegion:     sr,
					HostnameImmutable: true,
				}, nil
			})
	}

	return cfg, nil
}
