package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
)

type ToFirestoreFunc[T any] func(*T) map[string]interface{}
type FromFirestoreFunc[T any] func(map[string]interface{}) *T

type Collection[T any] struct {
	Ref           *firestore.CollectionRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (c *Collection[T]) Doc(id string) *DocumentRef[T] {
	return &DocumentRef[T]{
		Ref:           c.Ref.Doc(id),
		ToFirestore:   c.ToFirestore,
		FromFirestore: c.FromFirestore,
	}
}

func (c *Collection[T]) NewDoc() *DocumentRef[T] {
	return &DocumentRef[T]{
		Ref:           c.Ref.NewDoc(),
		ToFirestore:   c.ToFirestore,
		FromFirestore: c.FromFirestore,
	}
}

// Query wraps a Firestore query so results decode through the converter.
func (c *Collection[T]) Query(ctx context.Context, q firestore.Query) ([]*T, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, c.FromFirestore(snap.Data()))
	}
	return out, nil
}

// All reads every document in the collection.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	return c.Query(ctx, c.Ref.Query)
}

// TxnAll reads every document in the collection inside a transaction.
// Firestore requires transactional reads to precede staged writes.
func (c *Collection[T]) TxnAll(tx *firestore.Transaction) ([]*T, error) {
	snaps, err := tx.Documents(c.Ref.Query).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, c.FromFirestore(snap.Data()))
	}
	return out, nil
}

type DocumentRef[T any] struct {
	Ref           *firestore.DocumentRef
	ToFirestore   ToFirestoreFunc[T]
	FromFirestore FromFirestoreFunc[T]
}

func (d *DocumentRef[T]) ID() string {
	return d.Ref.ID
}

func (d *DocumentRef[T]) Get(ctx context.Context) (*T, error) {
	snap, err := d.Ref.Get(ctx)
	if err != nil {
		return nil, err
	}
	return d.FromFirestore(snap.Data()), nil
}

func (d *DocumentRef[T]) Set(ctx context.Context, data *T) error {
	m := d.ToFirestore(data)
	_, err := d.Ref.Set(ctx, m, firestore.MergeAll)
	return err
}

func (d *DocumentRef[T]) Update(ctx context.Context, updates map[string]interface{}) error {
	// Simple map update - keys must match Firestore snake_case fields.
	// No converter here because updates are often partials.
	_, err := d.Ref.Set(ctx, updates, firestore.MergeAll)
	return err
}

func (d *DocumentRef[T]) Delete(ctx context.Context) error {
	_, err := d.Ref.Delete(ctx)
	return err
}

// TxnGet reads the document inside a transaction. The read participates in
// the transaction's conflict detection, which is what makes guard checks
// against it safe.
func (d *DocumentRef[T]) TxnGet(tx *firestore.Transaction) (*T, error) {
	snap, err := tx.Get(d.Ref)
	if err != nil {
		return nil, err
	}
	return d.FromFirestore(snap.Data()), nil
}

// TxnUpdate stages a partial write inside a transaction.
func (d *DocumentRef[T]) TxnUpdate(tx *firestore.Transaction, updates map[string]interface{}) error {
	return tx.Set(d.Ref, updates, firestore.MergeAll)
}
