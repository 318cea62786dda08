package postgres

// SQL for the completion aggregation tables.

const (
	// queryValidateSchema checks that migrations created the aggregates table.
	queryValidateSchema = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'aggregates'
		)
	`

	// queryUpsertAggregate is the native batch upsert path.
	// created_at is only written on insert; the identity columns never change.
	queryUpsertAggregate = `
		INSERT INTO aggregates (
			user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, scope_key, container_key, kind)
		DO UPDATE SET
			earned          = EXCLUDED.earned,
			possible        = EXCLUDED.possible,
			percent         = EXCLUDED.percent,
			last_modified   = EXCLUDED.last_modified,
			record_modified = EXCLUDED.record_modified
	`

	queryFetchAggregates = `
		SELECT
			id, user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at
		FROM aggregates
		WHERE user_id = $1
		  AND scope_key = $2
		ORDER BY container_key ASC
	`

	queryFetchAggregatesByKind = `
		SELECT
			id, user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at
		FROM aggregates
		WHERE user_id = $1
		  AND scope_key = $2
		  AND kind = ANY($3)
		ORDER BY container_key ASC
	`

	queryGetAggregate = `
		SELECT
			id, user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at
		FROM aggregates
		WHERE user_id = $1
		  AND scope_key = $2
		  AND container_key = $3
		LIMIT 1
	`

	queryEnqueueStale = `
		INSERT INTO stale_completions (
			user_id, scope_key, block_key, force, resolved, created_at, modified_at
		) VALUES ($1, $2, $3, $4, FALSE, $5, $5)
	`

	// querySelectUnresolved pages the backlog by id so concurrent inserts never shift a page.
	querySelectUnresolved = `
		SELECT id, user_id, scope_key, block_key, force, resolved, created_at, modified_at
		FROM stale_completions
		WHERE resolved = FALSE
		  AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`

	// queryResolveStaleBase is extended by buildResolveQuery with optional
	// created_at and block_key predicates.
	queryResolveStaleBase = `
		UPDATE stale_completions
		SET resolved = TRUE, modified_at = $1
		WHERE user_id = $2
		  AND scope_key = $3
		  AND resolved = FALSE`

	queryDeleteResolved = `
		DELETE FROM stale_completions
		WHERE id IN (
			SELECT id FROM stale_completions
			WHERE resolved = TRUE
			ORDER BY id ASC
			LIMIT $1
		)
	`

	// querySaveCompletion only touches the row when the completion value changes,
	// so RowsAffected doubles as the "changed" signal.
	querySaveCompletion = `
		INSERT INTO block_completions (user_id, scope_key, block_key, completion, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, block_key)
		DO UPDATE SET
			completion  = EXCLUDED.completion,
			modified_at = EXCLUDED.modified_at
		WHERE block_completions.completion IS DISTINCT FROM EXCLUDED.completion
	`

	queryFetchCompletions = `
		SELECT user_id, scope_key, block_key, completion, modified_at
		FROM block_completions
		WHERE user_id = $1
		  AND scope_key = $2
	`

	queryActiveUsers = `
		SELECT user_id FROM block_completions WHERE scope_key = $1
		UNION
		SELECT user_id FROM aggregates WHERE scope_key = $1
		ORDER BY user_id ASC
	`

	queryScopes = `SELECT DISTINCT scope_key FROM block_completions ORDER BY scope_key ASC`

	queryInvalidatedAt = `SELECT invalidated_at FROM cache_group_invalidations WHERE group_key = $1`

	queryInvalidateGroup = `
		INSERT INTO cache_group_invalidations (group_key, invalidated_at)
		VALUES ($1, $2)
		ON CONFLICT (group_key)
		DO UPDATE SET invalidated_at = EXCLUDED.invalidated_at
	`

	queryPruneInvalidations = `DELETE FROM cache_group_invalidations WHERE invalidated_at < $1`

	// queryAcquireLock takes a free lock or steals an expired one in one statement.
	// A live lock leaves the row untouched and RowsAffected is 0.
	queryAcquireLock = `
		INSERT INTO job_locks (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name)
		DO UPDATE SET
			holder     = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE job_locks.expires_at <= $4
	`

	queryReleaseLock = `DELETE FROM job_locks WHERE name = $1 AND holder = $2`
)
