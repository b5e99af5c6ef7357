package remote

import (
	"context"
	"encoding/base64"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/campuspay/fulfillment/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Module provides the Firestore-backed Store when a project is configured.
// Without one the provider returns a nil Store and the sync loop stays idle.
var Module = fx.Provide(NewFirestoreStore)

// FirestoreStore implements Store over Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	log    *zap.Logger
}

// NewFirestoreStore initializes the Firebase app and Firestore client from
// config. Credentials resolve in order: explicit file, base64 JSON, ADC.
func NewFirestoreStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Store, error) {
	if !cfg.RemoteSyncEnabled() {
		log.Warn("remote sync disabled, no firebase project configured")
		return nil, nil
	}

	ctx := context.Background()
	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	} else if cfg.Firebase.CredentialsJSONBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.Firebase.CredentialsJSONBase64)
		if err != nil {
			return nil, fmt.Errorf("decode firebase credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(decoded))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.Firebase.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app.Firestore: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return &FirestoreStore{client: client, log: log.Named("remote.firestore")}, nil
}

func (s *FirestoreStore) Set(ctx context.Context, collection, docID string, data map[string]any, merge bool) error {
	doc := s.client.Collection(collection).Doc(docID)
	var err error
	if merge {
		_, err = doc.Set(ctx, data, firestore.MergeAll)
	} else {
		_, err = doc.Set(ctx, data)
	}
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, docID string) error {
	_, err := s.client.Collection(collection).Doc(docID).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *FirestoreStore) ReadAll(ctx context.Context, collection string) ([]Document, error) {
	iter := s.client.Collection(collection).Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", collection, err)
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs, nil
}
