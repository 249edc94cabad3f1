package conf

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

func GetAwsRegionFromEnv() string {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "eu-central-1"
	}
	return region
}

func GetSqsClientFromEnv() (*sqs.Client, error) {
	cfg, err := loadAwsCfg()
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(cfg), nil
}

func GetDdbClientFromEnv() (*dynamodb.Client, error) {
	cfg, err := loadAwsCfg()
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func GetS3ClientFromEnv() (*s3.Client, error) {
	cfg, err := loadAwsCfg()
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

func loadAwsCfg() (aws.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return config.LoadDefaultConfig(ctx, config.WithRegion(GetAwsRegionFromEnv()))
}

// GetSubtaskQueueUrlFromEnv returns the SQS queue url used by the
// queue-mode processor for pending subtask dispatch
func GetSubtaskQueueUrlFromEnv() string {
	return os.Getenv("SUBTASK_SQS_QUEUE_URL")
}

// GetCodeRunQueueUrlsFromEnv returns the request and response queue
// urls of the sandboxed code execution service
func GetCodeRunQueueUrlsFromEnv() (reqQ string, respQ string) {
	return os.Getenv("CODERUN_REQ_SQS_URL"), os.Getenv("CODERUN_RESP_SQS_URL")
}

func GetSubtaskTableFromEnv() (string, error) {
	table := os.Getenv("SUBTASK_DDB_TABLE")
	if table == "" {
		return "", fmt.Errorf("SUBTASK_DDB_TABLE is not set")
	}
	return table, nil
}

func GetResponseBucketFromEnv() string {
	return os.Getenv("RESPONSE_S3_BUCKET")
}

// GetProviderConfPathFromEnv returns the path of the TOML file that
// declares the outbound model-call providers
func GetProviderConfPathFromEnv() string {
	path := os.Getenv("PROVIDER_CONF_PATH")
	if path == "" {
		path = "providers.toml"
	}
	return path
}
