// Package store provides database access to all raw objects.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDimMismatch is returned when an embedding does not match the configured dimension.
var ErrDimMismatch = errors.New("embedding dimension mismatch")

// Driver is an interface for the database driver.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	// Knowledge.
	UpsertKnowledgeSource(ctx context.Context, upsert *UpsertKnowledgeSource) (*KnowledgeSource, error)
	GetKnowledgeSourceBySourceID(ctx context.Context, sourceID string) (*KnowledgeSource, error)
	IngestKnowledgeChunks(ctx context.Context, ingest *IngestKnowledgeChunks) (int64, int, error)
	RetrieveKnowledge(ctx context.Context, find *RetrieveKnowledge) ([]*RetrievedChunk, error)

	// Billing rules.
	UpsertBillingRule(ctx context.Context, upsert *UpsertBillingRule) (*BillingRule, error)
	GetBillingRuleByCode(ctx context.Context, ruleCode string) (*BillingRule, error)
	ListBillingRules(ctx context.Context, find *FindBillingRules) ([]*BillingRule, error)

	// Parking orders.
	CreateParkingOrder(ctx context.Context, create *ParkingOrder) (*ParkingOrder, error)
	GetParkingOrderByOrderNo(ctx context.Context, orderNo string) (*ParkingOrder, error)
	ListArrearsOrders(ctx context.Context, find *FindArrearsOrders) ([]*ParkingOrder, error)
}

// Store provides database access to all raw objects.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) UpsertKnowledgeSource(ctx context.Context, upsert *UpsertKnowledgeSource) (*KnowledgeSource, error) {
	return s.driver.UpsertKnowledgeSource(ctx, upsert)
}

func (s *Store) GetKnowledgeSourceBySourceID(ctx context.Context, sourceID string) (*KnowledgeSource, error) {
	return s.driver.GetKnowledgeSourceBySourceID(ctx, sourceID)
}

func (s *Store) IngestKnowledgeChunks(ctx context.Context, ingest *IngestKnowledgeChunks) (int64, int, error) {
	return s.driver.IngestKnowledgeChunks(ctx, ingest)
}

func (s *Store) RetrieveKnowledge(ctx context.Context, find *RetrieveKnowledge) ([]*RetrievedChunk, error) {
	return s.driver.RetrieveKnowledge(ctx, find)
}

func (s *Store) UpsertBillingRule(ctx context.Context, upsert *UpsertBillingRule) (*BillingRule, error) {
	return s.driver.UpsertBillingRule(ctx, upsert)
}

func (s *Store) GetBillingRuleByCode(ctx context.Context, ruleCode string) (*BillingRule, error) {
	return s.driver.GetBillingRuleByCode(ctx, ruleCode)
}

func (s *Store) ListBillingRules(ctx context.Context, find *FindBillingRules) ([]*BillingRule, error) {
	return s.driver.ListBillingRules(ctx, find)
}

func (s *Store) CreateParkingOrder(ctx context.Context, create *ParkingOrder) (*ParkingOrder, error) {
	return s.driver.CreateParkingOrder(ctx, create)
}

func (s *Store) GetParkingOrderByOrderNo(ctx context.Context, orderNo string) (*ParkingOrder, error) {
	return s.driver.GetParkingOrderByOrderNo(ctx, orderNo)
}

func (s *Store) ListArrearsOrders(ctx context.Context, find *FindArrearsOrders) ([]*ParkingOrder, error) {
	return s.driver.ListArrearsOrders(ctx, find)
}
