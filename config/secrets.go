// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsClient is the subset of *secretsmanager.Client used here.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewAWSSecretsClient builds a Secrets Manager client from the default
// credential chain.
func NewAWSSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// ApplySecrets fills empty credentials from the configured JSON secret.
// Values already set by the file or environment are kept. It returns the
// names of the fields it filled.
func ApplySecrets(ctx context.Context, cfg *Config, client SecretsClient) ([]string, error) {
	if cfg.Secrets.AWSSecretARN == "" || client == nil {
		return nil, nil
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.Secrets.AWSSecretARN),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskARN(cfg.Secrets.AWSSecretARN), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskARN(cfg.Secrets.AWSSecretARN))
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object of strings: %w", maskARN(cfg.Secrets.AWSSecretARN), err)
	}
	lookup := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return values[strings.ToLower(key)]
	}

	var filled []string
	fill := func(target *string, key string) {
		if *target != "" {
			return
		}
		if v := lookup(key); v != "" {
			*target = v
			filled = append(filled, key)
		}
	}
	fill(&cfg.Gateway.GoogleAPIKey, "GOOGLE_API_KEY")
	fill(&cfg.Gateway.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	fill(&cfg.Server.JWTSecret, "JWT_SECRET")
	fill(&cfg.Attachments.AccountKey, "AZURE_STORAGE_ACCOUNT_KEY")
	return filled, nil
}

// maskARN keeps only the last 8 characters for logs.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
