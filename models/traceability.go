package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
)

// BatchTraceability is one directed edge of the genealogy DAG: quantity
// from the source batch was transformed into the target batch. Consumed
// and produced are independent: a 100-in/80-out job carries both.
type BatchTraceability struct {
	ID                 int                `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceBatchId      int                `gorm:"uniqueIndex:idx_trace_edge,priority:1;index;not null" json:"source_batch_id"`
	TargetBatchId      int                `gorm:"uniqueIndex:idx_trace_edge,priority:2;index;not null" json:"target_batch_id"`
	TransformationType TransformationType `gorm:"type:varchar(20);not null" json:"transformation_type"`
	Process            *string            `gorm:"type:varchar(100)" json:"process"`
	QtyConsumed        decimal.Decimal    `gorm:"type:decimal(20,4);not null;default:0" json:"qty_consumed"`
	QtyProduced        decimal.Decimal    `gorm:"type:decimal(20,4);not null;default:0" json:"qty_produced"`
	RefId              *int               `json:"ref_id"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

func (BatchTraceability) TableName() string { return "batch_traceability" }

// AddTraceabilityEdge records a transformation edge. Self-loops are
// rejected up front; cycles spanning multiple edges are caught by the
// traversals rather than on insert.
func AddTraceabilityEdge(ctx context.Context, edge *BatchTraceability) error {
	if edge.SourceBatchId == edge.TargetBatchId {
		return &GraphIntegrityError{BatchId: edge.SourceBatchId, Reason: "self-loop edge"}
	}
	if !edge.QtyConsumed.IsPositive() || edge.QtyProduced.IsNegative() {
		return ErrNonPositiveQuantity
	}
	if _, err := ParseTransformationType(string(edge.TransformationType)); err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(edge).Error
}

const traversalDepthLimit = 1000

// edgeLoader returns the edges adjacent to a batch in the traversal
// direction. Injected so the traversal core is testable without a DB.
type edgeLoader func(batchId int) ([]BatchTraceability, error)

// traverse is a DFS with an on-path set: meeting a batch that is already
// on the current path means the graph has a cycle and the walk aborts.
// Batches reachable along several paths (diamonds) are visited once.
func traverse(startId int, load edgeLoader, neighbor func(BatchTraceability) int) ([]BatchTraceability, error) {
	var (
		out     []BatchTraceability
		visited = map[int]bool{}
		onPath  = map[int]bool{}
		depth   int
	)

	var walk func(id int) error
	walk = func(id int) error {
		if onPath[id] {
			return &GraphIntegrityError{BatchId: id, Reason: "cycle detected during traversal"}
		}
		if visited[id] {
			return nil
		}
		depth++
		if depth > traversalDepthLimit {
			return &GraphIntegrityError{BatchId: id, Reason: "traversal depth limit exceeded"}
		}
		visited[id] = true
		onPath[id] = true
		defer func() { onPath[id] = false; depth-- }()

		edges, err := load(id)
		if err != nil {
			return err
		}
		for _, e := range edges {
			out = append(out, e)
			if err := walk(neighbor(e)); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(startId); err != nil {
		return nil, err
	}
	return out, nil
}

func dbEdgeLoader(db *gorm.DB, column string) edgeLoader {
	return func(batchId int) ([]BatchTraceability, error) {
		var edges []BatchTraceability
		err := db.Where(column+" = ?", batchId).Order("id ASC").Find(&edges).Error
		return edges, err
	}
}

// UpstreamEdges returns every edge on a path feeding into the batch
// (full ancestry).
func UpstreamEdges(ctx context.Context, batchId int) ([]BatchTraceability, error) {
	db := config.GetDB().WithContext(ctx)
	return traverse(batchId, dbEdgeLoader(db, "target_batch_id"),
		func(e BatchTraceability) int { return e.SourceBatchId })
}

// DownstreamEdges returns every edge on a path fed by the batch
// (full descendants).
func DownstreamEdges(ctx context.Context, batchId int) ([]BatchTraceability, error) {
	db := config.GetDB().WithContext(ctx)
	return traverse(batchId, dbEdgeLoader(db, "source_batch_id"),
		func(e BatchTraceability) int { return e.TargetBatchId })
}
