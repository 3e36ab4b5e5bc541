package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type PendingLister interface {
	ListOrdersByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error)
}

type OrderReconciler interface {
	Reconcile(ctx context.Context, order *models.Order) (*models.Order, error)
}

// Sweeper reconciles Pending orders in the background so payments settle
// even when nobody reads the order.
type Sweeper struct {
	lister     PendingLister
	reconciler OrderReconciler
	logger     *logrus.Logger
	config     Config
	mutex      sync.RWMutex
}

type Config struct {
	BatchSize    int           `json:"batch_size"`
	Concurrency  int           `json:"concurrency"`
	DelayBetween time.Duration `json:"delay_between"`
	MaxOrders    int           `json:"max_orders"`
	DryRun       bool          `json:"dry_run"`
}

type Result struct {
	TotalOrders    int           `json:"total_orders"`
	Settled        int           `json:"settled"`
	StillPending   int           `json:"still_pending"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	ProcessingTime time.Duration `json:"processing_time"`
	ErrorDetails   []SweepError  `json:"error_details"`
	DryRun         bool          `json:"dry_run"`
	Timestamp      time.Time     `json:"timestamp"`
}

type SweepError struct {
	OrderID   string    `json:"order_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		Concurrency:  5,
		DelayBetween: 100 * time.Millisecond,
		MaxOrders:    500,
	}
}

func NewSweeper(lister PendingLister, reconciler OrderReconciler, config Config, logger *logrus.Logger) *Sweeper {
	s := &Sweeper{
		lister:     lister,
		reconciler: reconciler,
		logger:     logger,
	}
	s.SetConfig(config)
	return s
}

func (s *Sweeper) SetConfig(config Config) {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxOrders <= 0 {
		config.MaxOrders = defaults.MaxOrders
	}

	s.mutex.Lock()
	s.config = config
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"batch_size":  config.BatchSize,
		"concurrency": config.Concurrency,
		"max_orders":  config.MaxOrders,
		"dry_run":     config.DryRun,
	}).Info("Sweep configuration updated")
}

func (s *Sweeper) Config() Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.config
}

// Start sweeps every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval).Info("Pending order sweep started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Pending order sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.WithError(err).Error("Pending order sweep failed")
			}
		}
	}
}

// Run performs a single sweep over the oldest Pending orders.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	return s.run(ctx, s.Config())
}

// DryRun reports what a sweep would touch without reconciling anything.
// The shared configuration is left alone.
func (s *Sweeper) DryRun(ctx context.Context) (*Result, error) {
	config := s.Config()
	config.DryRun = true
	return s.run(ctx, config)
}

func (s *Sweeper) run(ctx context.Context, config Config) (*Result, error) {
	startTime := time.Now()

	result := &Result{
		ErrorDetails: []SweepError{},
		DryRun:       config.DryRun,
		Timestamp:    startTime,
	}

	pending, err := s.lister.ListOrdersByStatus(ctx, models.StatusPending, config.MaxOrders)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	result.TotalOrders = len(pending)

	if len(pending) == 0 {
		result.ProcessingTime = time.Since(startTime)
		return result, nil
	}

	if config.DryRun {
		s.logger.WithField("count", len(pending)).Info("DRY RUN: Would reconcile pending orders")
		result.StillPending = len(pending)
		result.ProcessingTime = time.Since(startTime)
		return result, nil
	}

	batches := createBatches(pending, config.BatchSize)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, config.Concurrency)
	resultChan := make(chan *Result, len(batches))

	for _, batch := range batches {
		wg.Add(1)
		go func(orderBatch []*models.Order) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			resultChan <- s.processBatch(ctx, orderBatch)

			select {
			case <-ctx.Done():
			case <-time.After(config.DelayBetween):
			}
		}(batch)
	}

	wg.Wait()
	close(resultChan)

	for batchResult := range resultChan {
		mergeResults(result, batchResult)
	}
	result.ProcessingTime = time.Since(startTime)

	s.logger.WithFields(logrus.Fields{
		"total":         result.TotalOrders,
		"settled":       result.Settled,
		"still_pending": result.StillPending,
		"skipped":       result.Skipped,
		"failed":        result.Failed,
		"duration":      result.ProcessingTime,
	}).Info("Pending order sweep completed")

	return result, nil
}

func (s *Sweeper) processBatch(ctx context.Context, orders []*models.Order) *Result {
	result := &Result{}

	for _, order := range orders {
		if ctx.Err() != nil {
			return result
		}

		reconciled, err := s.reconciler.Reconcile(ctx, order)
		if err != nil {
			result.Failed++
			result.ErrorDetails = append(result.ErrorDetails, SweepError{
				OrderID:   order.ID,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("Failed to reconcile pending order")
			continue
		}

		switch reconciled.Status {
		case models.StatusPending:
			result.StillPending++
		case models.StatusPaid:
			result.Settled++
		default:
			// moved on by another request since it was listed
			result.Skipped++
		}
	}

	return result
}

func createBatches(orders []*models.Order, size int) [][]*models.Order {
	var batches [][]*models.Order
	for i := 0; i < len(orders); i += size {
		end := i + size
		if end > len(orders) {
			end = len(orders)
		}
		batches = append(batches, orders[i:end])
	}
	return batches
}

func mergeResults(target, source *Result) {
	target.Settled += source.Settled
	target.StillPending += source.StillPending
	target.Skipped += source.Skipped
	target.Failed += source.Failed
	target.ErrorDetails = append(target.ErrorDetails, source.ErrorDetails...)
}
