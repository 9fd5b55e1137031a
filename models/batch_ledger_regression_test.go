package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/models"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

func requireIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test Operator")
	ctx = utils.SetCorrelationIdInContext(ctx, "itest-correlation")
	return ctx
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return v
}

func createTestItem(t *testing.T, ctx context.Context, code string) *models.Item {
	t.Helper()
	item := &models.Item{Name: "Item " + code, Code: code, Uom: "KG"}
	if err := models.CreateItem(ctx, item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func TestBatchLifecycleAndLedgerRegression(t *testing.T) {
	ctx := requireIntegration(t)

	item := createTestItem(t, ctx, "STEEL-01")

	batch, err := models.CreateBatch(ctx, &models.NewBatch{
		ItemId:     item.ID,
		BatchCode:  "B-1001",
		InitialQty: mustDecimal(t, "100"),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if !batch.QtyInspection.Equal(mustDecimal(t, "100")) {
		t.Fatalf("inspection qty = %s, want 100", batch.QtyInspection)
	}

	if _, err := models.PassInspection(ctx, batch.ID, mustDecimal(t, "100"), nil); err != nil {
		t.Fatalf("pass inspection: %v", err)
	}
	inspected, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload after inspection: %v", err)
	}
	if inspected.InspectionStatus != models.InspectionStatusPassed {
		t.Fatalf("inspection status = %s, want Passed", inspected.InspectionStatus)
	}

	// Issue 60 into dyeing WIP, then finish 50 and scrap 10 of it.
	moves := []*models.MoveQuantityInput{
		{
			Quantity:     mustDecimal(t, "60"),
			From:         &models.BucketRef{State: models.BatchStateRaw},
			To:           &models.BucketRef{State: models.BatchStateWip, Process: "dyeing"},
			MovementType: models.MovementTypeIssue,
			RefType:      models.MovementReferenceTypeJobWork,
		},
		{
			Quantity:     mustDecimal(t, "50"),
			From:         &models.BucketRef{State: models.BatchStateWip, Process: "dyeing"},
			To:           &models.BucketRef{State: models.BatchStateFinished},
			MovementType: models.MovementTypeInternalTransfer,
			RefType:      models.MovementReferenceTypeProduction,
		},
		{
			Quantity:     mustDecimal(t, "10"),
			From:         &models.BucketRef{State: models.BatchStateWip, Process: "dyeing"},
			To:           &models.BucketRef{State: models.BatchStateScrap},
			MovementType: models.MovementTypeInternalTransfer,
			RefType:      models.MovementReferenceTypeProduction,
		},
	}
	for i, m := range moves {
		if _, err := models.MoveQuantity(ctx, batch.ID, m); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	reloaded, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	v := reloaded.Buckets()
	if !v.Raw.Equal(mustDecimal(t, "40")) || !v.Finished.Equal(mustDecimal(t, "50")) || !v.Scrap.Equal(mustDecimal(t, "10")) {
		t.Fatalf("buckets raw=%s finished=%s scrap=%s, want 40/50/10", v.Raw, v.Finished, v.Scrap)
	}
	if !v.Wip["dyeing"].IsZero() {
		t.Fatalf("wip[dyeing]=%s, want 0", v.Wip["dyeing"])
	}

	history, err := models.GetBatchHistory(ctx, batch.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// receipt + inspection release + 3 moves
	if len(history) != 5 {
		t.Fatalf("ledger has %d entries, want 5", len(history))
	}
	for i, m := range history {
		if m.Sequence != i+1 {
			t.Fatalf("entry %d has sequence %d", i, m.Sequence)
		}
	}

	drift, err := models.ReconcileBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drift != nil {
		t.Fatalf("unexpected drift: %v", drift)
	}

	// Overdraw: the failed move must leave ledger and buckets untouched.
	_, err = models.MoveQuantity(ctx, batch.ID, &models.MoveQuantityInput{
		Quantity:     mustDecimal(t, "9999"),
		From:         &models.BucketRef{State: models.BatchStateRaw},
		To:           &models.BucketRef{State: models.BatchStateScrap},
		MovementType: models.MovementTypeInternalTransfer,
		RefType:      models.MovementReferenceTypeAdjustment,
	})
	if !errors.Is(err, models.ErrInsufficientQuantity) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientQuantity", err)
	}
	var insufficient *models.InsufficientQuantityError
	if !errors.As(err, &insufficient) {
		t.Fatalf("overdraw should carry bucket detail, got %v", err)
	}
	history, _ = models.GetBatchHistory(ctx, batch.ID)
	if len(history) != 5 {
		t.Fatalf("failed move appended to ledger: %d entries", len(history))
	}
	reloaded, _ = models.GetBatch(ctx, batch.ID)
	if !reloaded.QtyRaw.Equal(mustDecimal(t, "40")) {
		t.Fatalf("failed move mutated buckets: raw=%s", reloaded.QtyRaw)
	}

	// Ledger rows are immutable at the storage layer.
	db := config.GetDB()
	first := history[0]
	if err := db.Model(&first).Update("quantity", mustDecimal(t, "1")).Error; !errors.Is(err, models.ErrLedgerImmutable) {
		t.Fatalf("ledger update error = %v, want ErrLedgerImmutable", err)
	}
	if err := db.Delete(&first).Error; !errors.Is(err, models.ErrLedgerImmutable) {
		t.Fatalf("ledger delete error = %v, want ErrLedgerImmutable", err)
	}

	// Consumption report reflects the lifecycle.
	report, err := models.GetConsumptionReport(ctx, batch.ID)
	if err != nil || report == nil {
		t.Fatalf("consumption report: %v %v", report, err)
	}
	if !report.QtyReceived.Equal(mustDecimal(t, "100")) || !report.QtyIssued.Equal(mustDecimal(t, "60")) {
		t.Fatalf("report received=%s issued=%s, want 100/60", report.QtyReceived, report.QtyIssued)
	}
	if !report.YieldPct.Equal(mustDecimal(t, "83.33")) {
		t.Fatalf("yield=%s, want 83.33", report.YieldPct)
	}

	// A rebuild from the ledger lands on identical numbers.
	rebuilt, err := models.RebuildConsumptionReport(ctx, batch.ID)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !rebuilt.QtyIssued.Equal(report.QtyIssued) || !rebuilt.YieldPct.Equal(report.YieldPct) {
		t.Fatalf("rebuild diverges: issued=%s yield=%s", rebuilt.QtyIssued, rebuilt.YieldPct)
	}

	// Drift detection: mutate a bucket behind the ledger's back.
	if err := db.Exec("UPDATE inventory_batches SET qty_raw = qty_raw + 5 WHERE id = ?", batch.ID).Error; err != nil {
		t.Fatalf("inject drift: %v", err)
	}
	drift, err = models.ReconcileBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reconcile after drift: %v", err)
	}
	if drift == nil {
		t.Fatal("injected drift not detected")
	}
	found, err := models.RunLedgerReconciliationChecks(ctx)
	if err != nil {
		t.Fatalf("reconciliation checks: %v", err)
	}
	if found == 0 {
		t.Fatal("reconciliation run reported no drift")
	}
	var reportCount int64
	db.Model(&models.ReconciliationReport{}).Where("entity_id = ?", batch.ID).Count(&reportCount)
	if reportCount == 0 {
		t.Fatal("no reconciliation report row written")
	}
}

func TestVendorRoutingRegression(t *testing.T) {
	ctx := requireIntegration(t)

	item := createTestItem(t, ctx, "FABRIC-01")
	outputItem := createTestItem(t, ctx, "GARMENT-01")

	chain := &models.ProcessChain{
		Name: "garment route",
		Steps: []models.ProcessChainStep{
			{SequenceNo: 1, ProcessName: "dyeing", VendorName: "Vendor A", AutoForwardEnabled: utils.NewTrue()},
			{SequenceNo: 2, ProcessName: "stitching", VendorName: "Vendor B", AutoForwardEnabled: utils.NewTrue()},
		},
	}
	if err := models.CreateProcessChain(ctx, chain); err != nil {
		t.Fatalf("create chain: %v", err)
	}

	batch, err := models.CreateBatch(ctx, &models.NewBatch{
		ItemId:         item.ID,
		BatchCode:      "B-2001",
		InitialQty:     mustDecimal(t, "50"),
		SkipInspection: true,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	jw, err := models.IssueToVendor(ctx, &models.IssueToVendorInput{
		BatchId:  batch.ID,
		Quantity: mustDecimal(t, "50"),
		ChainId:  &chain.ID,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if jw.CurrentLocation != models.VendorLocationIssued || jw.CurrentVendor != "Vendor A" {
		t.Fatalf("after issue: %s at %s", jw.CurrentLocation, jw.CurrentVendor)
	}
	if jw.NextVendor == nil || *jw.NextVendor != "Vendor B" {
		t.Fatalf("next vendor = %v, want Vendor B", jw.NextVendor)
	}

	// Forwarding before the vendor returns the goods is refused.
	_, decision, err := models.AutoForward(ctx, jw.ID)
	if err != nil {
		t.Fatalf("premature forward: %v", err)
	}
	if decision.Eligible || decision.Reason != models.AutoForwardReasonNotReturned {
		t.Fatalf("premature forward decision: %+v", decision)
	}

	if _, err := models.UpdateLocation(ctx, jw.ID, models.VendorLocationAtVendor, nil); err != nil {
		t.Fatalf("arrive: %v", err)
	}

	jw, err = models.ReceiveFromVendor(ctx, jw.ID, &models.ReceiveFromVendorInput{
		QtyProduced:   mustDecimal(t, "48"),
		QtyScrap:      mustDecimal(t, "2"),
		QualityStatus: models.QualityStatusPassed,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if jw.CurrentLocation != models.VendorLocationReturned {
		t.Fatalf("after receive: %s, want Returned", jw.CurrentLocation)
	}

	jw, decision, err = models.AutoForward(ctx, jw.ID)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !decision.Eligible {
		t.Fatalf("forward refused: %+v", decision)
	}
	if jw.CurrentLocation != models.VendorLocationInTransit || jw.CurrentVendor != "Vendor B" {
		t.Fatalf("after forward: %s at %s", jw.CurrentLocation, jw.CurrentVendor)
	}
	if jw.ProcessSequence != 2 || jw.NextVendor != nil {
		t.Fatalf("after forward: seq=%d next=%v", jw.ProcessSequence, jw.NextVendor)
	}
	if jw.Process != "stitching" {
		t.Fatalf("after forward: process=%s", jw.Process)
	}

	// Second stage: arrive, then receive a transformed output batch.
	// 45 of fabric consumed, 40 of garments produced: the two quantities
	// diverge and the edge must carry both.
	if _, err := models.UpdateLocation(ctx, jw.ID, models.VendorLocationAtVendor, nil); err != nil {
		t.Fatalf("arrive at Vendor B: %v", err)
	}
	outputCode := "G-3001"
	jw, err = models.ReceiveFromVendor(ctx, jw.ID, &models.ReceiveFromVendorInput{
		QtyConsumed:     mustDecimal(t, "45"),
		QtyProduced:     mustDecimal(t, "40"),
		QtyScrap:        mustDecimal(t, "3"),
		QualityStatus:   models.QualityStatusPassed,
		OutputItemId:    &outputItem.ID,
		OutputBatchCode: &outputCode,
	})
	if err != nil {
		t.Fatalf("receive output: %v", err)
	}
	if jw.CurrentLocation != models.VendorLocationCompleted {
		t.Fatalf("after final receive: %s, want Completed", jw.CurrentLocation)
	}
	if jw.OutputBatchId == nil {
		t.Fatal("output batch not linked")
	}
	if !jw.QtyConsumed.Equal(mustDecimal(t, "45")) || !jw.QtyProduced.Equal(mustDecimal(t, "40")) {
		t.Fatalf("stage counters consumed=%s produced=%s, want 45/40", jw.QtyConsumed, jw.QtyProduced)
	}

	output, err := models.GetBatch(ctx, *jw.OutputBatchId)
	if err != nil {
		t.Fatalf("load output batch: %v", err)
	}
	if !output.QtyRaw.Equal(mustDecimal(t, "40")) {
		t.Fatalf("output raw=%s, want 40", output.QtyRaw)
	}

	// Genealogy: input batch feeds the output batch, both directions,
	// with independent consumed and produced quantities on the edge.
	downstream, err := models.DownstreamEdges(ctx, batch.ID)
	if err != nil {
		t.Fatalf("downstream: %v", err)
	}
	if len(downstream) != 1 || downstream[0].TargetBatchId != *jw.OutputBatchId {
		t.Fatalf("downstream edges: %+v", downstream)
	}
	if !downstream[0].QtyConsumed.Equal(mustDecimal(t, "45")) || !downstream[0].QtyProduced.Equal(mustDecimal(t, "40")) {
		t.Fatalf("edge consumed=%s produced=%s, want 45/40", downstream[0].QtyConsumed, downstream[0].QtyProduced)
	}
	upstream, err := models.UpstreamEdges(ctx, *jw.OutputBatchId)
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	if len(upstream) != 1 || upstream[0].SourceBatchId != batch.ID {
		t.Fatalf("upstream edges: %+v", upstream)
	}

	// Terminal records refuse further transitions.
	if _, err := models.CancelRouting(ctx, jw.ID, nil); !errors.Is(err, models.ErrRoutingTerminal) {
		t.Fatalf("cancel completed = %v, want ErrRoutingTerminal", err)
	}

	// Both batches replay clean.
	for _, id := range []int{batch.ID, *jw.OutputBatchId} {
		drift, err := models.ReconcileBatch(ctx, id)
		if err != nil || drift != nil {
			t.Fatalf("batch %d reconcile: err=%v drift=%v", id, err, drift)
		}
	}
}

// A batch retires when it drains to zero and revives on the next
// receipt, so reconciliation keeps covering it.
func TestDrainedBatchRevivesOnReceipt(t *testing.T) {
	ctx := requireIntegration(t)

	item := createTestItem(t, ctx, "WIRE-01")
	batch, err := models.CreateBatch(ctx, &models.NewBatch{
		ItemId:         item.ID,
		BatchCode:      "B-4001",
		InitialQty:     mustDecimal(t, "10"),
		SkipInspection: true,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	if _, err := models.MoveQuantity(ctx, batch.ID, &models.MoveQuantityInput{
		Quantity:     mustDecimal(t, "10"),
		From:         &models.BucketRef{State: models.BatchStateRaw},
		MovementType: models.MovementTypeDispatch,
		RefType:      models.MovementReferenceTypeDispatch,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	drained, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload drained: %v", err)
	}
	if drained.IsActive == nil || *drained.IsActive {
		t.Fatal("drained batch still active")
	}

	// Outflow from a retired batch stays blocked.
	_, err = models.MoveQuantity(ctx, batch.ID, &models.MoveQuantityInput{
		Quantity:     mustDecimal(t, "1"),
		From:         &models.BucketRef{State: models.BatchStateRaw},
		To:           &models.BucketRef{State: models.BatchStateScrap},
		MovementType: models.MovementTypeInternalTransfer,
		RefType:      models.MovementReferenceTypeAdjustment,
	})
	if !errors.Is(err, models.ErrBatchRetired) {
		t.Fatalf("outflow from retired batch = %v, want ErrBatchRetired", err)
	}

	// A returned shipment refills the batch and it comes back to life.
	if _, err := models.MoveQuantity(ctx, batch.ID, &models.MoveQuantityInput{
		Quantity:     mustDecimal(t, "4"),
		To:           &models.BucketRef{State: models.BatchStateRaw},
		MovementType: models.MovementTypeReceipt,
		RefType:      models.MovementReferenceTypeAdjustment,
	}); err != nil {
		t.Fatalf("re-receipt: %v", err)
	}
	revived, err := models.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload revived: %v", err)
	}
	if revived.IsActive == nil || !*revived.IsActive {
		t.Fatal("re-receipt did not revive the batch")
	}
	if !revived.QtyRaw.Equal(mustDecimal(t, "4")) {
		t.Fatalf("revived raw=%s, want 4", revived.QtyRaw)
	}

	active, err := models.ListActiveBatches(ctx, item.ID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != batch.ID {
		t.Fatalf("active batches: %+v", active)
	}

	drift, err := models.ReconcileBatch(ctx, batch.ID)
	if err != nil || drift != nil {
		t.Fatalf("reconcile revived: err=%v drift=%v", err, drift)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=factory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
