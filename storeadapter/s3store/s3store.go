// Package s3store implements session.Store by archiving each accepted
// message as one object in an S3 bucket, using aws-sdk-go's s3manager
// uploader the way laitos/awsinteg/s3.go wraps it: build one *session.Session
// and *s3manager.Uploader at construction, then call UploadWithContext per
// object rather than reopening a client per upload.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/relaymta/smtpd/session"
)

// Store uploads each accepted message's raw bytes to Bucket, keyed by
// KeyFunc(sess, msg) (defaulting to one object per message ID, grouped by
// UTC date).
type Store struct {
	Bucket  string
	KeyFunc func(sess *session.Info, msg *session.Message) string

	uploader *s3manager.Uploader
}

// New builds a Store from an AWS region; apiSession is left for callers
// that need custom credentials/endpoints (e.g. region-specific or
// S3-compatible object stores) to build via aws-sdk-go directly and reuse
// across multiple Stores.
func New(region, bucket string) (*Store, error) {
	apiSession, err := awssession.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("s3store: creating AWS session: %w", err)
	}
	return NewWithSession(apiSession, bucket), nil
}

// NewWithSession builds a Store from an already-configured AWS session,
// for callers that need custom credentials, endpoints, or retry policy.
func NewWithSession(apiSession *awssession.Session, bucket string) *Store {
	return &Store{
		Bucket:   bucket,
		uploader: s3manager.NewUploaderWithClient(s3.New(apiSession)),
	}
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, sess *session.Info, msg *session.Message) (bool, error) {
	key := s.keyFor(sess, msg)

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(msg.Raw),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return false, fmt.Errorf("s3store: uploading %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) keyFor(sess *session.Info, msg *session.Message) string {
	if s.KeyFunc != nil {
		return s.KeyFunc(sess, msg)
	}
	return fmt.Sprintf("%s/%s.eml", time.Now().UTC().Format("2006/01/02"), msg.ID)
}
