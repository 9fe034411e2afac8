package datastore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/flashbots/dapagg/clock"
	"github.com/flashbots/dapagg/crypto"
	"github.com/flashbots/dapagg/protocol"
	"github.com/flashbots/dapagg/task"
	"github.com/flashbots/dapagg/vdaf"
)

//go:embed schema.sql
var schema string

var leaseEpoch = time.Unix(0, 0).UTC()

// PostgresStore implements Store on PostgreSQL. Every transaction runs at
// serializable isolation and is retried on serialization failures and
// deadlocks.
type PostgresStore struct {
	db         *sql.DB
	clock      clock.Clock
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	// DSN, when set, is used instead of the individual fields.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxTxRetries bounds how often a transaction is retried on contention.
	MaxTxRetries int `yaml:"max_tx_retries"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects, pings and applies the schema.
func NewPostgresStore(ctx context.Context, config *PostgresConfig, c clock.Clock, log *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	maxRetries := config.MaxTxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	store := &PostgresStore{db: db, clock: c, log: log, maxRetries: maxRetries, retryDelay: 10 * time.Millisecond}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// isRetryableTxError reports serialization failures and deadlocks.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func (s *PostgresStore) Run(ctx context.Context, name string, fn func(ctx context.Context, tx Transaction) error) error {
	delay := s.retryDelay
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil || !isRetryableTxError(err) || attempt >= s.maxRetries {
			if err != nil && isRetryableTxError(err) {
				return fmt.Errorf("transaction %s: gave up after %d attempts: %w", name, attempt, err)
			}
			return err
		}
		s.log.Debug("retrying transaction", "tx", name, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Second)
	}
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: sqlTx, now: s.clock.Now()}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx  *sql.Tx
	now time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

// nonNil keeps NOT NULL bytea columns happy.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func nullTime(t *protocol.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*t), Valid: true}
}

func nullDuration(d *protocol.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

// batchIntervalColumns returns the interval bounds stored for time-interval
// batches, or NULLs for fixed-size ones.
func batchIntervalColumns(b protocol.BatchIdentifier) (sql.NullInt64, sql.NullInt64) {
	if b.IsFixedSize() {
		return sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(b.Interval.Start), Valid: true},
		sql.NullInt64{Int64: int64(b.Interval.End()), Valid: true}
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func expectRows(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onZero
	}
	return nil
}

func deletedCount(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Tasks

func (tx *pgTx) PutTask(ctx context.Context, t *task.Task) error {
	collectorConfig, err := json.Marshal(t.CollectorHpkeConfig)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, aggregator_role, peer_aggregator_endpoint, query_type, max_batch_size,
			vdaf, vdaf_verify_key, min_batch_size, time_precision, tolerable_clock_skew, task_expiration,
			report_expiry_age, collector_hpke_config, aggregator_auth_token, collector_auth_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (task_id) DO NOTHING`,
		t.ID[:], string(t.Role), t.PeerAggregatorEndpoint, string(t.QueryType.Code), int64(t.QueryType.MaxBatchSize),
		t.Vdaf.Type, t.VdafVerifyKey, int64(t.MinBatchSize), int64(t.TimePrecision), int64(t.TolerableClockSkew),
		nullTime(t.TaskExpiration), nullDuration(t.ReportExpiryAge), collectorConfig, t.AggregatorAuthToken,
		t.CollectorAuthToken)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	if err := expectRows(res, ErrMutationTargetAlreadyExists); err != nil {
		return err
	}

	for _, kp := range t.HpkeKeys {
		cfg, err := json.Marshal(kp.Config)
		if err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO task_hpke_keys (task_id, config_id, config, private_key)
			VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4)`,
			t.ID[:], int16(kp.Config.ID), cfg, kp.PrivateKey)
		if err != nil {
			return fmt.Errorf("inserting task hpke key: %w", err)
		}
	}
	return nil
}

const taskColumns = `task_id, aggregator_role, peer_aggregator_endpoint, query_type, max_batch_size, vdaf,
	vdaf_verify_key, min_batch_size, time_precision, tolerable_clock_skew, task_expiration, report_expiry_age,
	collector_hpke_config, aggregator_auth_token, collector_auth_token`

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                                   task.Task
		id, collectorConfig                 []byte
		role, queryType, vdafType           string
		maxBatch, minBatch, precision, skew int64
		expiration, expiryAge               sql.NullInt64
	)
	err := row.Scan(&id, &role, &t.PeerAggregatorEndpoint, &queryType, &maxBatch, &vdafType,
		&t.VdafVerifyKey, &minBatch, &precision, &skew, &expiration, &expiryAge,
		&collectorConfig, &t.AggregatorAuthToken, &t.CollectorAuthToken)
	if err != nil {
		return nil, err
	}
	copy(t.ID[:], id)
	t.Role = protocol.Role(role)
	t.QueryType = protocol.QueryType{Code: protocol.QueryTypeCode(queryType), MaxBatchSize: uint64(maxBatch)}
	t.Vdaf = vdaf.Config{Type: vdafType}
	t.MinBatchSize = uint64(minBatch)
	t.TimePrecision = protocol.Duration(precision)
	t.TolerableClockSkew = protocol.Duration(skew)
	if expiration.Valid {
		exp := protocol.Time(expiration.Int64)
		t.TaskExpiration = &exp
	}
	if expiryAge.Valid {
		age := protocol.Duration(expiryAge.Int64)
		t.ReportExpiryAge = &age
	}
	if err := json.Unmarshal(collectorConfig, &t.CollectorHpkeConfig); err != nil {
		return nil, fmt.Errorf("decoding collector hpke config: %w", err)
	}
	return &t, nil
}

func (tx *pgTx) loadHpkeKeys(ctx context.Context, t *task.Task) error {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT k.config, k.private_key FROM task_hpke_keys k JOIN tasks t ON t.id = k.task_id
		WHERE t.task_id = $1 ORDER BY k.id`, t.ID[:])
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cfg []byte
		var kp crypto.HpkeKeypair
		if err := rows.Scan(&cfg, &kp.PrivateKey); err != nil {
			return err
		}
		if err := json.Unmarshal(cfg, &kp.Config); err != nil {
			return fmt.Errorf("decoding hpke config: %w", err)
		}
		t.HpkeKeys = append(t.HpkeKeys, kp)
	}
	return rows.Err()
}

func (tx *pgTx) GetTask(ctx context.Context, id protocol.TaskID) (*task.Task, error) {
	row := tx.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id[:])
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.loadHpkeKeys(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *pgTx) GetTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := tx.tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		if err := tx.loadHpkeKeys(ctx, t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (tx *pgTx) DeleteTask(ctx context.Context, id protocol.TaskID) error {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, id[:])
	if err != nil {
		return err
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

// Client reports

func (tx *pgTx) PutClientReport(ctx context.Context, r *ClientReport) error {
	exts, err := json.Marshal(r.Extensions)
	if err != nil {
		return err
	}
	helperShare, err := json.Marshal(r.HelperEncryptedInputShare)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO client_reports (task_id, report_id, client_timestamp, extensions, public_share,
			leader_input_share, helper_encrypted_input_share)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, report_id) DO NOTHING`,
		r.TaskID[:], r.Metadata.ID[:], int64(r.Metadata.Time), exts, r.PublicShare, r.LeaderInputShare, helperShare)
	if err != nil {
		return fmt.Errorf("inserting client report: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func scanClientReport(taskID protocol.TaskID, row rowScanner) (*ClientReport, error) {
	r := ClientReport{TaskID: taskID}
	var (
		id, exts, helper []byte
		ts               int64
	)
	if err := row.Scan(&id, &ts, &exts, &r.PublicShare, &r.LeaderInputShare, &helper); err != nil {
		return nil, err
	}
	copy(r.Metadata.ID[:], id)
	r.Metadata.Time = protocol.Time(ts)
	if len(exts) > 0 {
		if err := json.Unmarshal(exts, &r.Extensions); err != nil {
			return nil, fmt.Errorf("decoding extensions: %w", err)
		}
	}
	if len(helper) > 0 {
		if err := json.Unmarshal(helper, &r.HelperEncryptedInputShare); err != nil {
			return nil, fmt.Errorf("decoding helper input share: %w", err)
		}
	}
	return &r, nil
}

func (tx *pgTx) GetClientReport(ctx context.Context, taskID protocol.TaskID, id protocol.ReportID) (*ClientReport, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT cr.report_id, cr.client_timestamp, cr.extensions, cr.public_share, cr.leader_input_share,
			cr.helper_encrypted_input_share
		FROM client_reports cr JOIN tasks t ON t.id = cr.task_id
		WHERE t.task_id = $1 AND cr.report_id = $2`, taskID[:], id[:])
	r, err := scanClientReport(taskID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (tx *pgTx) PutScrubbedReport(ctx context.Context, taskID protocol.TaskID, md protocol.ReportMetadata) error {
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO client_reports (task_id, report_id, client_timestamp, scrubbed, aggregation_started)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, TRUE, TRUE)
		ON CONFLICT (task_id, report_id) DO NOTHING`,
		taskID[:], md.ID[:], int64(md.Time))
	if err != nil {
		return fmt.Errorf("inserting scrubbed report: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) ClaimUnaggregatedClientReports(ctx context.Context, taskID protocol.TaskID, notBefore protocol.Time, limit int) ([]*ClientReport, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		UPDATE client_reports SET aggregation_started = TRUE
		WHERE id IN (
			SELECT cr.id FROM client_reports cr JOIN tasks t ON t.id = cr.task_id
			WHERE t.task_id = $1 AND cr.aggregation_started = FALSE AND cr.scrubbed = FALSE
				AND cr.client_timestamp >= $2
			ORDER BY cr.client_timestamp, cr.id
			LIMIT $3
			FOR UPDATE OF cr SKIP LOCKED)
		RETURNING report_id, client_timestamp, extensions, public_share, leader_input_share,
			helper_encrypted_input_share`,
		taskID[:], int64(notBefore), nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("claiming client reports: %w", err)
	}
	defer rows.Close()

	var out []*ClientReport
	for rows.Next() {
		r, err := scanClientReport(taskID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Metadata.Time < out[j].Metadata.Time })
	return out, nil
}

func (tx *pgTx) MarkReportsUnaggregated(ctx context.Context, taskID protocol.TaskID, ids []protocol.ReportID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make(pq.ByteaArray, len(ids))
	for i := range ids {
		raw[i] = ids[i][:]
	}
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE client_reports SET aggregation_started = FALSE
		FROM tasks
		WHERE tasks.id = client_reports.task_id AND tasks.task_id = $1
			AND client_reports.report_id = ANY($2) AND client_reports.scrubbed = FALSE`,
		taskID[:], raw)
	return err
}

func (tx *pgTx) DeleteExpiredClientReports(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM client_reports WHERE id IN (
			SELECT cr.id FROM client_reports cr JOIN tasks t ON t.id = cr.task_id
			WHERE t.task_id = $1 AND cr.client_timestamp < $2
			LIMIT $3)`,
		taskID[:], int64(cutoff), nullLimit(limit)))
}

// Aggregation jobs

func (tx *pgTx) PutAggregationJob(ctx context.Context, j *AggregationJob) error {
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO aggregation_jobs (task_id, aggregation_job_id, aggregation_param, batch_id,
			client_timestamp_start, client_timestamp_duration, state, round, last_request_hash)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id, aggregation_job_id) DO NOTHING`,
		j.TaskID[:], j.ID[:], nonNil(j.AggregationParameter), j.BatchID[:],
		int64(j.ClientTimestampInterval.Start), int64(j.ClientTimestampInterval.Duration),
		string(j.State), int(j.Round), j.LastRequestHash)
	if err != nil {
		return fmt.Errorf("inserting aggregation job: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) GetAggregationJob(ctx context.Context, taskID protocol.TaskID, id protocol.AggregationJobID) (*AggregationJob, error) {
	j := AggregationJob{TaskID: taskID, ID: id}
	var (
		batchID    []byte
		start, dur int64
		state      string
		round      int
	)
	err := tx.tx.QueryRowContext(ctx, `
		SELECT aj.aggregation_param, aj.batch_id, aj.client_timestamp_start, aj.client_timestamp_duration,
			aj.state, aj.round, aj.last_request_hash
		FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
		WHERE t.task_id = $1 AND aj.aggregation_job_id = $2`, taskID[:], id[:]).
		Scan(&j.AggregationParameter, &batchID, &start, &dur, &state, &round, &j.LastRequestHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	copy(j.BatchID[:], batchID)
	j.ClientTimestampInterval = protocol.Interval{Start: protocol.Time(start), Duration: protocol.Duration(dur)}
	j.State = AggregationJobState(state)
	j.Round = uint16(round)
	return &j, nil
}

func (tx *pgTx) GetAggregationJobsForTask(ctx context.Context, taskID protocol.TaskID) ([]*AggregationJob, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT aj.aggregation_job_id, aj.aggregation_param, aj.batch_id, aj.client_timestamp_start,
			aj.client_timestamp_duration, aj.state, aj.round, aj.last_request_hash
		FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
		WHERE t.task_id = $1
		ORDER BY aj.id`, taskID[:])
	if err != nil {
		return nil, fmt.Errorf("querying aggregation jobs: %w", err)
	}
	defer rows.Close()

	var out []*AggregationJob
	for rows.Next() {
		j := AggregationJob{TaskID: taskID}
		var (
			jobID, batchID []byte
			start, dur     int64
			state          string
			round          int
		)
		if err := rows.Scan(&jobID, &j.AggregationParameter, &batchID, &start, &dur, &state, &round, &j.LastRequestHash); err != nil {
			return nil, err
		}
		copy(j.ID[:], jobID)
		copy(j.BatchID[:], batchID)
		j.ClientTimestampInterval = protocol.Interval{Start: protocol.Time(start), Duration: protocol.Duration(dur)}
		j.State = AggregationJobState(state)
		j.Round = uint16(round)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (tx *pgTx) UpdateAggregationJob(ctx context.Context, j *AggregationJob) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE aggregation_jobs SET state = $3, round = $4, last_request_hash = $5,
			client_timestamp_start = $6, client_timestamp_duration = $7
		FROM tasks
		WHERE tasks.id = aggregation_jobs.task_id AND tasks.task_id = $1 AND aggregation_jobs.aggregation_job_id = $2`,
		j.TaskID[:], j.ID[:], string(j.State), int(j.Round), j.LastRequestHash,
		int64(j.ClientTimestampInterval.Start), int64(j.ClientTimestampInterval.Duration))
	if err != nil {
		return fmt.Errorf("updating aggregation job: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) AcquireIncompleteAggregationJobs(ctx context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredAggregationJob], error) {
	rows, err := tx.tx.QueryContext(ctx, `
		WITH candidates AS (
			SELECT aj.id FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
			WHERE aj.state = 'IN_PROGRESS' AND aj.lease_expiry <= $1 AND t.aggregator_role = $2
			ORDER BY aj.id
			LIMIT $3
			FOR UPDATE OF aj SKIP LOCKED
		)
		UPDATE aggregation_jobs SET lease_expiry = $4, lease_token = gen_random_uuid()::text,
			lease_attempts = aggregation_jobs.lease_attempts + 1
		FROM tasks
		WHERE tasks.id = aggregation_jobs.task_id AND aggregation_jobs.id IN (SELECT id FROM candidates)
		RETURNING tasks.task_id, aggregation_jobs.aggregation_job_id, tasks.query_type, tasks.vdaf,
			aggregation_jobs.lease_token, aggregation_jobs.lease_expiry, aggregation_jobs.lease_attempts,
			aggregation_jobs.id`,
		tx.now, string(protocol.RoleLeader), nullLimit(limit), tx.now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("acquiring aggregation jobs: %w", err)
	}
	defer rows.Close()

	type ordered struct {
		lease *Lease[AcquiredAggregationJob]
		seq   int64
	}
	var acquired []ordered
	for rows.Next() {
		var (
			l                 Lease[AcquiredAggregationJob]
			taskID, jobID     []byte
			queryType, vdafTy string
			seq               int64
		)
		if err := rows.Scan(&taskID, &jobID, &queryType, &vdafTy, &l.Token, &l.Expiry, &l.Attempts, &seq); err != nil {
			return nil, err
		}
		copy(l.Leased.TaskID[:], taskID)
		copy(l.Leased.JobID[:], jobID)
		l.Leased.QueryType = protocol.QueryTypeCode(queryType)
		l.Leased.Vdaf = vdaf.Config{Type: vdafTy}
		l.Expiry = l.Expiry.UTC()
		acquired = append(acquired, ordered{&l, seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(acquired, func(i, j int) bool { return acquired[i].seq < acquired[j].seq })
	out := make([]*Lease[AcquiredAggregationJob], len(acquired))
	for i, a := range acquired {
		out[i] = a.lease
	}
	return out, nil
}

func (tx *pgTx) RenewAggregationJobLease(ctx context.Context, lease *Lease[AcquiredAggregationJob], leaseDuration time.Duration) error {
	expiry := tx.now.Add(leaseDuration)
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE aggregation_jobs SET lease_expiry = $4
		FROM tasks
		WHERE tasks.id = aggregation_jobs.task_id AND tasks.task_id = $1
			AND aggregation_jobs.aggregation_job_id = $2 AND aggregation_jobs.lease_token = $3
			AND aggregation_jobs.lease_expiry > $5`,
		lease.Leased.TaskID[:], lease.Leased.JobID[:], lease.Token, expiry, tx.now)
	if err != nil {
		return fmt.Errorf("renewing aggregation job lease: %w", err)
	}
	if err := expectRows(res, ErrMutationTargetNotFound); err != nil {
		return err
	}
	lease.Expiry = expiry
	return nil
}

func (tx *pgTx) ReleaseAggregationJob(ctx context.Context, lease *Lease[AcquiredAggregationJob]) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE aggregation_jobs SET lease_expiry = $4, lease_token = NULL, lease_attempts = 0
		FROM tasks
		WHERE tasks.id = aggregation_jobs.task_id AND tasks.task_id = $1
			AND aggregation_jobs.aggregation_job_id = $2 AND aggregation_jobs.lease_token = $3
			AND aggregation_jobs.lease_expiry > $5`,
		lease.Leased.TaskID[:], lease.Leased.JobID[:], lease.Token, leaseEpoch, tx.now)
	if err != nil {
		return fmt.Errorf("releasing aggregation job: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) DeleteExpiredAggregationJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM aggregation_jobs WHERE id IN (
			SELECT aj.id FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
			WHERE t.task_id = $1 AND aj.client_timestamp_start + aj.client_timestamp_duration <= $2
			LIMIT $3)`,
		taskID[:], int64(cutoff), nullLimit(limit)))
}

// Report aggregations

func (tx *pgTx) PutReportAggregation(ctx context.Context, ra *ReportAggregation) error {
	outbound, err := marshalOptional(ra.Outbound)
	if err != nil {
		return err
	}
	lastResp, err := marshalOptional(ra.LastPrepResp)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO report_aggregations (task_id, aggregation_job_id, report_id, client_timestamp, ord, state,
			prep_state, output_share, outbound_message, error_code, last_prep_resp)
		SELECT aj.task_id, aj.id, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
		WHERE t.task_id = $1 AND aj.aggregation_job_id = $2
		ON CONFLICT (aggregation_job_id, report_id) DO NOTHING`,
		ra.TaskID[:], ra.AggregationJobID[:], ra.ReportID[:], int64(ra.Time), ra.Ord, string(ra.State),
		ra.PrepState, ra.OutputShare, outbound, string(ra.Error), lastResp)
	if err != nil {
		return fmt.Errorf("inserting report aggregation: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) UpdateReportAggregation(ctx context.Context, ra *ReportAggregation) error {
	outbound, err := marshalOptional(ra.Outbound)
	if err != nil {
		return err
	}
	lastResp, err := marshalOptional(ra.LastPrepResp)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE report_aggregations SET state = $4, prep_state = $5, output_share = $6, outbound_message = $7,
			error_code = $8, last_prep_resp = $9
		FROM aggregation_jobs aj JOIN tasks t ON t.id = aj.task_id
		WHERE report_aggregations.aggregation_job_id = aj.id AND t.task_id = $1
			AND aj.aggregation_job_id = $2 AND report_aggregations.report_id = $3`,
		ra.TaskID[:], ra.AggregationJobID[:], ra.ReportID[:], string(ra.State),
		ra.PrepState, ra.OutputShare, outbound, string(ra.Error), lastResp)
	if err != nil {
		return fmt.Errorf("updating report aggregation: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) GetReportAggregationsForJob(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID) ([]*ReportAggregation, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT ra.report_id, ra.client_timestamp, ra.ord, ra.state, ra.prep_state, ra.output_share,
			ra.outbound_message, ra.error_code, ra.last_prep_resp
		FROM report_aggregations ra
		JOIN aggregation_jobs aj ON aj.id = ra.aggregation_job_id
		JOIN tasks t ON t.id = aj.task_id
		WHERE t.task_id = $1 AND aj.aggregation_job_id = $2
		ORDER BY ra.ord`, taskID[:], jobID[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReportAggregation
	for rows.Next() {
		ra := ReportAggregation{TaskID: taskID, AggregationJobID: jobID}
		var (
			reportID, outbound, last []byte
			ts                       int64
			state, errCode           string
		)
		if err := rows.Scan(&reportID, &ts, &ra.Ord, &state, &ra.PrepState, &ra.OutputShare,
			&outbound, &errCode, &last); err != nil {
			return nil, err
		}
		copy(ra.ReportID[:], reportID)
		ra.Time = protocol.Time(ts)
		ra.State = ReportAggregationState(state)
		ra.Error = protocol.PrepareError(errCode)
		if ra.Outbound, err = unmarshalOptional[protocol.PingPongMessage](outbound); err != nil {
			return nil, fmt.Errorf("decoding outbound message: %w", err)
		}
		if ra.LastPrepResp, err = unmarshalOptional[protocol.PrepareResp](last); err != nil {
			return nil, fmt.Errorf("decoding prepare response: %w", err)
		}
		out = append(out, &ra)
	}
	return out, rows.Err()
}

func (tx *pgTx) DeleteReportAggregation(ctx context.Context, taskID protocol.TaskID, jobID protocol.AggregationJobID, reportID protocol.ReportID) error {
	res, err := tx.tx.ExecContext(ctx, `
		DELETE FROM report_aggregations ra
		USING aggregation_jobs aj, tasks t
		WHERE ra.aggregation_job_id = aj.id AND aj.task_id = t.id
			AND t.task_id = $1 AND aj.aggregation_job_id = $2 AND ra.report_id = $3`,
		taskID[:], jobID[:], reportID[:])
	if err != nil {
		return err
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

// Batch aggregations

const batchAggregationColumns = `ba.batch_identifier, ba.aggregation_param, ba.state, ba.aggregate_share,
	ba.report_count, ba.checksum, ba.client_timestamp_start, ba.client_timestamp_duration,
	ba.aggregation_jobs_created, ba.aggregation_jobs_terminated`

func scanBatchAggregation(taskID protocol.TaskID, row rowScanner) (*BatchAggregation, error) {
	ba := BatchAggregation{TaskID: taskID}
	var (
		batch, checksum             []byte
		state                       string
		count, start, dur, cr, term int64
	)
	if err := row.Scan(&batch, &ba.AggregationParameter, &state, &ba.AggregateShare, &count, &checksum,
		&start, &dur, &cr, &term); err != nil {
		return nil, err
	}
	var err error
	if ba.Batch, err = protocol.DecodeBatchIdentifier(batch); err != nil {
		return nil, err
	}
	ba.State = BatchAggregationState(state)
	ba.ReportCount = uint64(count)
	copy(ba.Checksum[:], checksum)
	ba.ClientTimestampInterval = protocol.Interval{Start: protocol.Time(start), Duration: protocol.Duration(dur)}
	ba.AggregationJobsCreated = uint64(cr)
	ba.AggregationJobsTerminated = uint64(term)
	return &ba, nil
}

func (tx *pgTx) GetBatchAggregation(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*BatchAggregation, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT `+batchAggregationColumns+`
		FROM batch_aggregations ba JOIN tasks t ON t.id = ba.task_id
		WHERE t.task_id = $1 AND ba.batch_identifier = $2 AND ba.aggregation_param = $3`,
		taskID[:], batch.Encode(), nonNil(aggParam))
	ba, err := scanBatchAggregation(taskID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ba, err
}

func (tx *pgTx) GetBatchAggregationsForCollection(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) ([]*BatchAggregation, error) {
	if batch.IsFixedSize() {
		ba, err := tx.GetBatchAggregation(ctx, taskID, batch, aggParam)
		if err != nil || ba == nil {
			return nil, err
		}
		return []*BatchAggregation{ba}, nil
	}

	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+batchAggregationColumns+`
		FROM batch_aggregations ba JOIN tasks t ON t.id = ba.task_id
		WHERE t.task_id = $1 AND ba.aggregation_param = $2
			AND ba.batch_interval_start >= $3 AND ba.batch_interval_end <= $4
		ORDER BY ba.batch_interval_start`,
		taskID[:], nonNil(aggParam), int64(batch.Interval.Start), int64(batch.Interval.End()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BatchAggregation
	for rows.Next() {
		ba, err := scanBatchAggregation(taskID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ba)
	}
	return out, rows.Err()
}

func (tx *pgTx) PutBatchAggregation(ctx context.Context, ba *BatchAggregation) error {
	start, end := batchIntervalColumns(ba.Batch)
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO batch_aggregations (task_id, batch_identifier, batch_interval_start, batch_interval_end,
			aggregation_param, state, aggregate_share, report_count, checksum, client_timestamp_start,
			client_timestamp_duration, aggregation_jobs_created, aggregation_jobs_terminated)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id, batch_identifier, aggregation_param) DO NOTHING`,
		ba.TaskID[:], ba.Batch.Encode(), start, end, nonNil(ba.AggregationParameter), string(ba.State),
		ba.AggregateShare, int64(ba.ReportCount), ba.Checksum[:],
		int64(ba.ClientTimestampInterval.Start), int64(ba.ClientTimestampInterval.Duration),
		int64(ba.AggregationJobsCreated), int64(ba.AggregationJobsTerminated))
	if err != nil {
		return fmt.Errorf("inserting batch aggregation: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) UpdateBatchAggregation(ctx context.Context, ba *BatchAggregation) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE batch_aggregations SET state = $4, aggregate_share = $5, report_count = $6, checksum = $7,
			client_timestamp_start = $8, client_timestamp_duration = $9,
			aggregation_jobs_created = $10, aggregation_jobs_terminated = $11
		FROM tasks
		WHERE tasks.id = batch_aggregations.task_id AND tasks.task_id = $1
			AND batch_aggregations.batch_identifier = $2 AND batch_aggregations.aggregation_param = $3`,
		ba.TaskID[:], ba.Batch.Encode(), nonNil(ba.AggregationParameter), string(ba.State),
		ba.AggregateShare, int64(ba.ReportCount), ba.Checksum[:],
		int64(ba.ClientTimestampInterval.Start), int64(ba.ClientTimestampInterval.Duration),
		int64(ba.AggregationJobsCreated), int64(ba.AggregationJobsTerminated))
	if err != nil {
		return fmt.Errorf("updating batch aggregation: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) DeleteExpiredBatchAggregations(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM batch_aggregations WHERE id IN (
			SELECT ba.id FROM batch_aggregations ba JOIN tasks t ON t.id = ba.task_id
			WHERE t.task_id = $1
				AND COALESCE(ba.batch_interval_end, ba.client_timestamp_start + ba.client_timestamp_duration) <= $2
				AND NOT EXISTS (
					SELECT 1 FROM collection_jobs cj
					WHERE cj.task_id = ba.task_id AND cj.state IN ('START', 'COLLECTABLE')
						AND ((ba.batch_interval_start IS NULL AND cj.batch_identifier = ba.batch_identifier)
							OR (cj.batch_interval_start < ba.batch_interval_end
								AND ba.batch_interval_start < cj.batch_interval_end)))
			LIMIT $3)`,
		taskID[:], int64(cutoff), nullLimit(limit)))
}

// Outstanding batches

func (tx *pgTx) PutOutstandingBatch(ctx context.Context, ob *OutstandingBatch) error {
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO outstanding_batches (task_id, batch_id, report_count, assigned_count)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4)
		ON CONFLICT (task_id, batch_id) DO NOTHING`,
		ob.TaskID[:], ob.BatchID[:], int64(ob.ReportCount), int64(ob.AssignedCount))
	if err != nil {
		return fmt.Errorf("inserting outstanding batch: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) queryOutstandingBatches(ctx context.Context, taskID protocol.TaskID, minSize uint64, limit int) ([]*OutstandingBatch, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT ob.batch_id, ob.report_count, ob.assigned_count
		FROM outstanding_batches ob JOIN tasks t ON t.id = ob.task_id
		WHERE t.task_id = $1 AND ob.report_count >= $2
		ORDER BY ob.id
		LIMIT $3`, taskID[:], int64(minSize), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutstandingBatch
	for rows.Next() {
		ob := OutstandingBatch{TaskID: taskID}
		var (
			id              []byte
			count, assigned int64
		)
		if err := rows.Scan(&id, &count, &assigned); err != nil {
			return nil, err
		}
		copy(ob.BatchID[:], id)
		ob.ReportCount = uint64(count)
		ob.AssignedCount = uint64(assigned)
		out = append(out, &ob)
	}
	return out, rows.Err()
}

func (tx *pgTx) GetOutstandingBatches(ctx context.Context, taskID protocol.TaskID) ([]*OutstandingBatch, error) {
	return tx.queryOutstandingBatches(ctx, taskID, 0, 0)
}

func (tx *pgTx) UpdateOutstandingBatch(ctx context.Context, ob *OutstandingBatch) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE outstanding_batches SET report_count = $3, assigned_count = $4
		FROM tasks
		WHERE tasks.id = outstanding_batches.task_id AND tasks.task_id = $1 AND outstanding_batches.batch_id = $2`,
		ob.TaskID[:], ob.BatchID[:], int64(ob.ReportCount), int64(ob.AssignedCount))
	if err != nil {
		return fmt.Errorf("updating outstanding batch: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) DeleteOutstandingBatch(ctx context.Context, taskID protocol.TaskID, id protocol.BatchID) error {
	res, err := tx.tx.ExecContext(ctx, `
		DELETE FROM outstanding_batches ob USING tasks t
		WHERE ob.task_id = t.id AND t.task_id = $1 AND ob.batch_id = $2`, taskID[:], id[:])
	if err != nil {
		return err
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) GetFilledOutstandingBatch(ctx context.Context, taskID protocol.TaskID, minSize uint64) (*OutstandingBatch, error) {
	batches, err := tx.queryOutstandingBatches(ctx, taskID, minSize, 1)
	if err != nil || len(batches) == 0 {
		return nil, err
	}
	return batches[0], nil
}

func (tx *pgTx) DeleteOrphanedOutstandingBatches(ctx context.Context, taskID protocol.TaskID, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM outstanding_batches WHERE id IN (
			SELECT ob.id FROM outstanding_batches ob JOIN tasks t ON t.id = ob.task_id
			WHERE t.task_id = $1 AND NOT EXISTS (
				SELECT 1 FROM batch_aggregations ba
				WHERE ba.task_id = ob.task_id AND ba.batch_identifier = ob.batch_id)
			LIMIT $2)`,
		taskID[:], nullLimit(limit)))
}

// Collection jobs

const collectionJobColumns = `cj.collection_job_id, cj.query, cj.batch_identifier, cj.aggregation_param,
	cj.state, cj.report_count, cj.checksum, cj.client_timestamp_start, cj.client_timestamp_duration,
	cj.leader_aggregate_share, cj.leader_encrypted_aggregate_share, cj.helper_encrypted_aggregate_share`

func scanCollectionJob(taskID protocol.TaskID, row rowScanner) (*CollectionJob, error) {
	j := CollectionJob{TaskID: taskID}
	var (
		id, query, batch, checksum []byte
		leaderEnc, helperEnc       []byte
		state                      string
		count, start, dur          int64
	)
	if err := row.Scan(&id, &query, &batch, &j.AggregationParameter, &state, &count, &checksum,
		&start, &dur, &j.LeaderAggregateShare, &leaderEnc, &helperEnc); err != nil {
		return nil, err
	}
	copy(j.ID[:], id)
	if err := json.Unmarshal(query, &j.Query); err != nil {
		return nil, fmt.Errorf("decoding query: %w", err)
	}
	var err error
	if j.Batch, err = protocol.DecodeBatchIdentifier(batch); err != nil {
		return nil, err
	}
	j.State = CollectionJobState(state)
	j.ReportCount = uint64(count)
	copy(j.Checksum[:], checksum)
	j.ClientTimestampInterval = protocol.Interval{Start: protocol.Time(start), Duration: protocol.Duration(dur)}
	if j.LeaderEncryptedAggregateShare, err = unmarshalOptional[crypto.HpkeCiphertext](leaderEnc); err != nil {
		return nil, err
	}
	if j.HelperEncryptedAggregateShare, err = unmarshalOptional[crypto.HpkeCiphertext](helperEnc); err != nil {
		return nil, err
	}
	return &j, nil
}

func (tx *pgTx) PutCollectionJob(ctx context.Context, j *CollectionJob) error {
	query, err := json.Marshal(j.Query)
	if err != nil {
		return err
	}
	leaderEnc, err := marshalOptional(j.LeaderEncryptedAggregateShare)
	if err != nil {
		return err
	}
	helperEnc, err := marshalOptional(j.HelperEncryptedAggregateShare)
	if err != nil {
		return err
	}
	start, end := batchIntervalColumns(j.Batch)
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO collection_jobs (task_id, collection_job_id, query, batch_identifier, batch_interval_start,
			batch_interval_end, aggregation_param, state, report_count, checksum, client_timestamp_start,
			client_timestamp_duration, leader_aggregate_share, leader_encrypted_aggregate_share,
			helper_encrypted_aggregate_share)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (task_id, collection_job_id) DO NOTHING`,
		j.TaskID[:], j.ID[:], query, j.Batch.Encode(), start, end, nonNil(j.AggregationParameter),
		string(j.State), int64(j.ReportCount), j.Checksum[:],
		int64(j.ClientTimestampInterval.Start), int64(j.ClientTimestampInterval.Duration),
		j.LeaderAggregateShare, leaderEnc, helperEnc)
	if err != nil {
		return fmt.Errorf("inserting collection job: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) GetCollectionJob(ctx context.Context, taskID protocol.TaskID, id protocol.CollectionJobID) (*CollectionJob, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT `+collectionJobColumns+`
		FROM collection_jobs cj JOIN tasks t ON t.id = cj.task_id
		WHERE t.task_id = $1 AND cj.collection_job_id = $2`, taskID[:], id[:])
	j, err := scanCollectionJob(taskID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (tx *pgTx) UpdateCollectionJob(ctx context.Context, j *CollectionJob) error {
	leaderEnc, err := marshalOptional(j.LeaderEncryptedAggregateShare)
	if err != nil {
		return err
	}
	helperEnc, err := marshalOptional(j.HelperEncryptedAggregateShare)
	if err != nil {
		return err
	}
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE collection_jobs SET state = $3, report_count = $4, checksum = $5, client_timestamp_start = $6,
			client_timestamp_duration = $7, leader_aggregate_share = $8, leader_encrypted_aggregate_share = $9,
			helper_encrypted_aggregate_share = $10
		FROM tasks
		WHERE tasks.id = collection_jobs.task_id AND tasks.task_id = $1 AND collection_jobs.collection_job_id = $2`,
		j.TaskID[:], j.ID[:], string(j.State), int64(j.ReportCount), j.Checksum[:],
		int64(j.ClientTimestampInterval.Start), int64(j.ClientTimestampInterval.Duration),
		j.LeaderAggregateShare, leaderEnc, helperEnc)
	if err != nil {
		return fmt.Errorf("updating collection job: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) GetCollectionJobsIntersecting(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*CollectionJob, error) {
	start, end := batchIntervalColumns(batch)
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+collectionJobColumns+`
		FROM collection_jobs cj JOIN tasks t ON t.id = cj.task_id
		WHERE t.task_id = $1
			AND ((cj.batch_interval_start IS NULL AND cj.batch_identifier = $2)
				OR (cj.batch_interval_start < $4 AND $3 < cj.batch_interval_end))
		ORDER BY cj.id`,
		taskID[:], batch.Encode(), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CollectionJob
	for rows.Next() {
		j, err := scanCollectionJob(taskID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (tx *pgTx) AcquireIncompleteCollectionJobs(ctx context.Context, leaseDuration time.Duration, limit int) ([]*Lease[AcquiredCollectionJob], error) {
	rows, err := tx.tx.QueryContext(ctx, `
		WITH candidates AS (
			SELECT cj.id FROM collection_jobs cj JOIN tasks t ON t.id = cj.task_id
			WHERE cj.state IN ('START', 'COLLECTABLE') AND cj.lease_expiry <= $1 AND t.aggregator_role = $2
			ORDER BY cj.id
			LIMIT $3
			FOR UPDATE OF cj SKIP LOCKED
		)
		UPDATE collection_jobs SET lease_expiry = $4, lease_token = gen_random_uuid()::text,
			lease_attempts = collection_jobs.lease_attempts + 1
		FROM tasks
		WHERE tasks.id = collection_jobs.task_id AND collection_jobs.id IN (SELECT id FROM candidates)
		RETURNING tasks.task_id, collection_jobs.collection_job_id, tasks.query_type, tasks.vdaf,
			collection_jobs.lease_token, collection_jobs.lease_expiry, collection_jobs.lease_attempts,
			collection_jobs.id`,
		tx.now, string(protocol.RoleLeader), nullLimit(limit), tx.now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("acquiring collection jobs: %w", err)
	}
	defer rows.Close()

	type ordered struct {
		lease *Lease[AcquiredCollectionJob]
		seq   int64
	}
	var acquired []ordered
	for rows.Next() {
		var (
			l                 Lease[AcquiredCollectionJob]
			taskID, jobID     []byte
			queryType, vdafTy string
			seq               int64
		)
		if err := rows.Scan(&taskID, &jobID, &queryType, &vdafTy, &l.Token, &l.Expiry, &l.Attempts, &seq); err != nil {
			return nil, err
		}
		copy(l.Leased.TaskID[:], taskID)
		copy(l.Leased.JobID[:], jobID)
		l.Leased.QueryType = protocol.QueryTypeCode(queryType)
		l.Leased.Vdaf = vdaf.Config{Type: vdafTy}
		l.Expiry = l.Expiry.UTC()
		acquired = append(acquired, ordered{&l, seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(acquired, func(i, j int) bool { return acquired[i].seq < acquired[j].seq })
	out := make([]*Lease[AcquiredCollectionJob], len(acquired))
	for i, a := range acquired {
		out[i] = a.lease
	}
	return out, nil
}

func (tx *pgTx) RenewCollectionJobLease(ctx context.Context, lease *Lease[AcquiredCollectionJob], leaseDuration time.Duration) error {
	expiry := tx.now.Add(leaseDuration)
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE collection_jobs SET lease_expiry = $4
		FROM tasks
		WHERE tasks.id = collection_jobs.task_id AND tasks.task_id = $1
			AND collection_jobs.collection_job_id = $2 AND collection_jobs.lease_token = $3
			AND collection_jobs.lease_expiry > $5`,
		lease.Leased.TaskID[:], lease.Leased.JobID[:], lease.Token, expiry, tx.now)
	if err != nil {
		return fmt.Errorf("renewing collection job lease: %w", err)
	}
	if err := expectRows(res, ErrMutationTargetNotFound); err != nil {
		return err
	}
	lease.Expiry = expiry
	return nil
}

func (tx *pgTx) ReleaseCollectionJob(ctx context.Context, lease *Lease[AcquiredCollectionJob], reacquireDelay time.Duration) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE collection_jobs SET lease_expiry = $4, lease_token = NULL, lease_attempts = 0
		FROM tasks
		WHERE tasks.id = collection_jobs.task_id AND tasks.task_id = $1
			AND collection_jobs.collection_job_id = $2 AND collection_jobs.lease_token = $3
			AND collection_jobs.lease_expiry > $5`,
		lease.Leased.TaskID[:], lease.Leased.JobID[:], lease.Token, tx.now.Add(reacquireDelay), tx.now)
	if err != nil {
		return fmt.Errorf("releasing collection job: %w", err)
	}
	return expectRows(res, ErrMutationTargetNotFound)
}

func (tx *pgTx) DeleteExpiredCollectionJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM collection_jobs WHERE id IN (
			SELECT cj.id FROM collection_jobs cj JOIN tasks t ON t.id = cj.task_id
			WHERE t.task_id = $1 AND cj.state NOT IN ('START', 'COLLECTABLE')
				AND COALESCE(cj.batch_interval_end, cj.client_timestamp_start + cj.client_timestamp_duration) <= $2
			LIMIT $3)`,
		taskID[:], int64(cutoff), nullLimit(limit)))
}

// Aggregate share jobs

const aggregateShareJobColumns = `asj.batch_identifier, asj.aggregation_param, asj.aggregate_share,
	asj.report_count, asj.checksum, asj.client_timestamp_start, asj.client_timestamp_duration`

func scanAggregateShareJob(taskID protocol.TaskID, row rowScanner) (*AggregateShareJob, error) {
	j := AggregateShareJob{TaskID: taskID}
	var (
		batch, checksum   []byte
		count, start, dur int64
	)
	if err := row.Scan(&batch, &j.AggregationParameter, &j.AggregateShare, &count, &checksum, &start, &dur); err != nil {
		return nil, err
	}
	var err error
	if j.Batch, err = protocol.DecodeBatchIdentifier(batch); err != nil {
		return nil, err
	}
	j.ReportCount = uint64(count)
	copy(j.Checksum[:], checksum)
	j.ClientTimestampInterval = protocol.Interval{Start: protocol.Time(start), Duration: protocol.Duration(dur)}
	return &j, nil
}

func (tx *pgTx) PutAggregateShareJob(ctx context.Context, j *AggregateShareJob) error {
	start, end := batchIntervalColumns(j.Batch)
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO aggregate_share_jobs (task_id, batch_identifier, batch_interval_start, batch_interval_end,
			aggregation_param, aggregate_share, report_count, checksum, client_timestamp_start,
			client_timestamp_duration)
		VALUES ((SELECT id FROM tasks WHERE task_id = $1), $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id, batch_identifier, aggregation_param) DO NOTHING`,
		j.TaskID[:], j.Batch.Encode(), start, end, nonNil(j.AggregationParameter), nonNil(j.AggregateShare),
		int64(j.ReportCount), j.Checksum[:],
		int64(j.ClientTimestampInterval.Start), int64(j.ClientTimestampInterval.Duration))
	if err != nil {
		return fmt.Errorf("inserting aggregate share job: %w", err)
	}
	return expectRows(res, ErrMutationTargetAlreadyExists)
}

func (tx *pgTx) GetAggregateShareJob(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier, aggParam []byte) (*AggregateShareJob, error) {
	row := tx.tx.QueryRowContext(ctx, `
		SELECT `+aggregateShareJobColumns+`
		FROM aggregate_share_jobs asj JOIN tasks t ON t.id = asj.task_id
		WHERE t.task_id = $1 AND asj.batch_identifier = $2 AND asj.aggregation_param = $3`,
		taskID[:], batch.Encode(), nonNil(aggParam))
	j, err := scanAggregateShareJob(taskID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (tx *pgTx) GetAggregateShareJobsIntersecting(ctx context.Context, taskID protocol.TaskID, batch protocol.BatchIdentifier) ([]*AggregateShareJob, error) {
	start, end := batchIntervalColumns(batch)
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+aggregateShareJobColumns+`
		FROM aggregate_share_jobs asj JOIN tasks t ON t.id = asj.task_id
		WHERE t.task_id = $1
			AND ((asj.batch_interval_start IS NULL AND asj.batch_identifier = $2)
				OR (asj.batch_interval_start < $4 AND $3 < asj.batch_interval_end))
		ORDER BY asj.batch_identifier`,
		taskID[:], batch.Encode(), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AggregateShareJob
	for rows.Next() {
		j, err := scanAggregateShareJob(taskID, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (tx *pgTx) DeleteExpiredAggregateShareJobs(ctx context.Context, taskID protocol.TaskID, cutoff protocol.Time, limit int) (int, error) {
	return deletedCount(tx.tx.ExecContext(ctx, `
		DELETE FROM aggregate_share_jobs WHERE id IN (
			SELECT asj.id FROM aggregate_share_jobs asj JOIN tasks t ON t.id = asj.task_id
			WHERE t.task_id = $1
				AND COALESCE(asj.batch_interval_end, asj.client_timestamp_start + asj.client_timestamp_duration) <= $2
			LIMIT $3)`,
		taskID[:], int64(cutoff), nullLimit(limit)))
}
