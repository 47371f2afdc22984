package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-probe/internal/email"
	"github.com/shineum/smtp-probe/internal/mailer"
	"github.com/shineum/smtp-probe/internal/provider"
)

var _ provider.Provider = (*SESProvider)(nil)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	lastInput *sesv2.SendEmailInput
	callCount int
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func testMessage() *email.Message {
	return &email.Message{
		From:     "sender@example.com",
		To:       []string{"to@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ses", NewWithClient(&mockSESClient{}).Name())
}

func TestSend_SimpleEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	require.NoError(t, p.Send(context.Background(), testMessage()))
	require.Equal(t, 1, mock.callCount)

	input := mock.lastInput
	assert.Equal(t, "sender@example.com", aws.ToString(input.FromEmailAddress))
	assert.Equal(t, []string{"to@example.com"}, input.Destination.ToAddresses)
	require.NotNil(t, input.Content.Simple)
	assert.Nil(t, input.Content.Raw)
	assert.Equal(t, "Test Subject", aws.ToString(input.Content.Simple.Subject.Data))
	assert.Equal(t, "Hello, World!", aws.ToString(input.Content.Simple.Body.Text.Data))
	assert.Nil(t, input.Content.Simple.Body.Html)
}

func TestSend_WithAttachmentsUsesRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	msg := testMessage()
	msg.Attachments = []email.Attachment{
		{Filename: "test.bin", ContentType: "application/octet-stream", Content: []byte{1, 2, 3}},
	}
	require.NoError(t, p.Send(context.Background(), msg))

	input := mock.lastInput
	require.NotNil(t, input.Content.Raw)
	assert.Nil(t, input.Content.Simple)

	raw := string(input.Content.Raw.Data)
	assert.Contains(t, raw, "Subject: Test Subject")
	assert.Contains(t, raw, "multipart/mixed")
	assert.Contains(t, raw, "test.bin")
}

func TestSend_InvalidMessageNeverCallsSES(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock)

	msg := testMessage()
	msg.To = nil

	err := p.Send(context.Background(), msg)
	assert.Equal(t, mailer.ValidationError, mailer.KindOf(err))
	assert.ErrorIs(t, err, email.ErrNoRecipients)
	assert.Zero(t, mock.callCount)

	err = p.Send(context.Background(), nil)
	assert.Equal(t, mailer.ValidationError, mailer.KindOf(err))
}

func TestSend_SingleAttempt(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	p := NewWithClient(mock)

	err := p.Send(context.Background(), testMessage())
	assert.Equal(t, mailer.ConnectionError, mailer.KindOf(err))
	assert.True(t, mailer.IsTemporary(err))
	assert.Equal(t, 1, mock.callCount)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantKind  mailer.Kind
		temporary bool
	}{
		{
			name:     "rejected",
			err:      &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."},
			wantKind: mailer.DeliveryRejected,
		},
		{
			name:     "bad credentials",
			err:      &smithy.GenericAPIError{Code: "UnrecognizedClientException", Message: "invalid token"},
			wantKind: mailer.AuthenticationError,
		},
		{
			name:     "access denied",
			err:      &smithy.GenericAPIError{Code: "AccessDeniedException"},
			wantKind: mailer.AuthenticationError,
		},
		{
			name:      "throttled",
			err:       &smithy.GenericAPIError{Code: "TooManyRequestsException"},
			wantKind:  mailer.DeliveryRejected,
			temporary: true,
		},
		{
			name:     "bad request",
			err:      &smithy.GenericAPIError{Code: "BadRequestException"},
			wantKind: mailer.ValidationError,
		},
		{
			name:      "network",
			err:       errors.New("i/o timeout"),
			wantKind:  mailer.ConnectionError,
			temporary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := classify(tt.err)
			assert.Equal(t, tt.wantKind, mailer.KindOf(err))
			assert.Equal(t, tt.temporary, mailer.IsTemporary(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBuildSimpleInput_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.TextBody = ""
	msg.HTMLBody = "<p>html</p>"

	input := buildSimpleInput(msg)
	require.NotNil(t, input.Content.Simple.Body.Html)
	assert.Nil(t, input.Content.Simple.Body.Text)
	assert.Equal(t, "UTF-8", aws.ToString(input.Content.Simple.Body.Html.Charset))
}
