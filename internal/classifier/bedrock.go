package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wolfman30/payreminder/internal/conversation"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClassifier asks a Bedrock model for a JSON verdict.
type BedrockClassifier struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockClassifier(api bedrockConverseAPI, modelID string) *BedrockClassifier {
	if api == nil {
		panic("classifier: bedrock converse client cannot be nil")
	}
	return &BedrockClassifier{api: api, modelID: modelID}
}

func (c *BedrockClassifier) Classify(ctx context.Context, text string, history []conversation.Message) (conversation.Classification, error) {
	if strings.TrimSpace(c.modelID) == "" {
		return conversation.Classification{}, errors.New("classifier: bedrock model id is required")
	}
	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		System:  []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: systemPrompt}},
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: buildPrompt(text, history)}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(256),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		return conversation.Classification{}, fmt.Errorf("classifier: bedrock converse: %w", err)
	}
	reply, err := bedrockOutputText(out)
	if err != nil {
		return conversation.Classification{}, err
	}
	return parseVerdict(reply)
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil || out.Output == nil {
		return "", errors.New("classifier: bedrock returned no output")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("classifier: unexpected bedrock output %T", out.Output)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("classifier: bedrock returned empty text")
	}
	return b.String(), nil
}
