package sqlite

// Timestamps are bound as unix nanoseconds and decimals as their string form.

const (
	querySelectAggregateID = `
		SELECT id FROM aggregates
		WHERE user_id = ?
		  AND scope_key = ?
		  AND container_key = ?
		  AND kind = ?
	`

	queryUpdateAggregate = `
		UPDATE aggregates
		SET earned = ?, possible = ?, percent = ?, last_modified = ?, record_modified = ?
		WHERE id = ?
	`

	queryInsertAggregate = `
		INSERT INTO aggregates (
			user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	aggregateColumns = `
			id, user_id, scope_key, container_key, kind,
			earned, possible, percent, last_modified, record_modified, created_at`

	queryFetchAggregates = `
		SELECT` + aggregateColumns + `
		FROM aggregates
		WHERE user_id = ?
		  AND scope_key = ?
		ORDER BY container_key ASC
	`

	queryGetAggregate = `
		SELECT` + aggregateColumns + `
		FROM aggregates
		WHERE user_id = ?
		  AND scope_key = ?
		  AND container_key = ?
		LIMIT 1
	`

	queryEnqueueStale = `
		INSERT INTO stale_completions (
			user_id, scope_key, block_key, force, resolved, created_at, modified_at
		) VALUES (?, ?, ?, ?, 0, ?, ?)
	`

	querySelectUnresolved = `
		SELECT id, user_id, scope_key, block_key, force, resolved, created_at, modified_at
		FROM stale_completions
		WHERE resolved = 0
		  AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`

	queryResolveStaleBase = `
		UPDATE stale_completions
		SET resolved = 1, modified_at = ?
		WHERE user_id = ?
		  AND scope_key = ?
		  AND resolved = 0`

	queryDeleteResolved = `
		DELETE FROM stale_completions
		WHERE id IN (
			SELECT id FROM stale_completions
			WHERE resolved = 1
			ORDER BY id ASC
			LIMIT ?
		)
	`

	querySaveCompletion = `
		INSERT INTO block_completions (user_id, scope_key, block_key, completion, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, block_key)
		DO UPDATE SET
			completion  = excluded.completion,
			modified_at = excluded.modified_at
		WHERE block_completions.completion IS NOT excluded.completion
	`

	queryFetchCompletions = `
		SELECT user_id, scope_key, block_key, completion, modified_at
		FROM block_completions
		WHERE user_id = ?
		  AND scope_key = ?
	`

	queryActiveUsers = `
		SELECT user_id FROM block_completions WHERE scope_key = ?
		UNION
		SELECT user_id FROM aggregates WHERE scope_key = ?
		ORDER BY user_id ASC
	`

	queryScopes = `SELECT DISTINCT scope_key FROM block_completions ORDER BY scope_key ASC`

	queryInvalidatedAt = `SELECT invalidated_at FROM cache_group_invalidations WHERE group_key = ?`

	queryInvalidateGroup = `
		INSERT INTO cache_group_invalidations (group_key, invalidated_at)
		VALUES (?, ?)
		ON CONFLICT (group_key)
		DO UPDATE SET invalidated_at = excluded.invalidated_at
	`

	queryPruneInvalidations = `DELETE FROM cache_group_invalidations WHERE invalidated_at < ?`

	queryAcquireLock = `
		INSERT INTO job_locks (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name)
		DO UPDATE SET
			holder     = excluded.holder,
			expires_at = excluded.expires_at
		WHERE job_locks.expires_at <= ?
	`

	queryReleaseLock = `DELETE FROM job_locks WHERE name = ? AND holder = ?`
)
