package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestSMTPSenderHandle(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	sender := NewSMTPSender("mail.test:25", "noreply@gatehouse.test", nil)
	sender.send = func(addr, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	task, err := NewSendEmailTask(SendEmailPayload{
		To:      "a@example.com",
		Subject: "Confirm your email address",
		Body:    "hello",
	})
	require.NoError(t, err)

	require.NoError(t, sender.Handle(context.Background(), task))
	require.Equal(t, "mail.test:25", gotAddr)
	require.Equal(t, "noreply@gatehouse.test", gotFrom)
	require.Equal(t, []string{"a@example.com"}, gotTo)
	require.Contains(t, string(gotMsg), "Subject: Confirm your email address\r\n")
	require.Contains(t, string(gotMsg), "\r\n\r\nhello")
}

func TestSMTPSenderSkipsBadPayload(t *testing.T) {
	sender := NewSMTPSender("mail.test:25", "noreply@gatehouse.test", nil)
	sender.send = func(addr, from string, to []string, msg []byte) error {
		t.Fatal("send must not be called")
		return nil
	}

	err := sender.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewSendEmailTask(SendEmailPayload{Subject: "no recipient"})
	require.NoError(t, err)
	require.ErrorIs(t, sender.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestSMTPSenderPropagatesSendError(t *testing.T) {
	sender := NewSMTPSender("mail.test:25", "noreply@gatehouse.test", nil)
	wantErr := errors.New("connection refused")
	sender.send = func(addr, from string, to []string, msg []byte) error {
		return wantErr
	}

	task, err := NewSendEmailTask(SendEmailPayload{To: "a@example.com"})
	require.NoError(t, err)
	require.ErrorIs(t, sender.Handle(context.Background(), task), wantErr)
}
