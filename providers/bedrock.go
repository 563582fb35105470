package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockConfig configures the AWS Bedrock backend.
type BedrockConfig struct {
	// Region defaults to us-east-1.
	Region string
	// Static credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// converser is the subset of the Bedrock runtime client used here.
type converser interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider calls the Bedrock Converse API. The system prompt is
// sent as a system content block and the user prompt as the only message.
type BedrockProvider struct {
	name   string
	region string
	client converser
}

// NewBedrock loads AWS configuration and creates a Bedrock provider.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	// Retries are applied by the Retrying wrapper.
	awsCfg.RetryMaxAttempts = 1

	return &BedrockProvider{
		name:   "bedrock",
		region: region,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// Name returns the provider name.
func (p *BedrockProvider) Name() string { return p.name }

// Generate sends one Converse call and concatenates the text blocks of the
// reply.
func (p *BedrockProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(prompt.Model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt.User}},
		}},
	}
	if prompt.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: prompt.System}}
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			return "", &UpstreamError{Backend: p.name, StatusCode: respErr.HTTPStatusCode(), Err: err}
		}
		return "", &UpstreamError{Backend: p.name, Err: err}
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", &UpstreamError{Backend: p.name, StatusCode: http.StatusOK, Err: errors.New("response has no message")}
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return b.String(), nil
}
