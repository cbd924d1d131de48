package types

import "context"

// ReceiverInterface is what the HTTP layer needs from the upload receiver.
type ReceiverInterface interface {
	Receive(ctx context.Context, raw *RawUpload) (Outcome, error)
	Status(ctx context.Context, uploadID string) (UploadSession, error)
	Abandon(ctx context.Context, uploadID string) error
}
