package jobstore

const jobColumns = `id, name, payload, requester_id, created_at, started_at, finished_at, failed_at, error_message`

const queryInsertJob = `
INSERT INTO conversation_jobs (id, name, payload, requester_id, created_at)
VALUES ($1, $2, $3, $4, $5)
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM conversation_jobs
WHERE id = $1
`

// queryClaimNext atomically marks the oldest unclaimed job as started.
// SKIP LOCKED lets concurrent workers pick different rows; the outer
// started_at guard keeps the claim single-winner even without it.
const queryClaimNext = `
UPDATE conversation_jobs
SET started_at = $1
WHERE id = (
    SELECT id FROM conversation_jobs
    WHERE started_at IS NULL
      AND name = ANY($2)
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
  AND started_at IS NULL
RETURNING ` + jobColumns

const queryScheduledExists = `
SELECT EXISTS (
    SELECT 1 FROM conversation_jobs
    WHERE started_at IS NULL
      AND name = ANY($1)
)
`

const queryFinishJob = `
UPDATE conversation_jobs
SET finished_at = $1
WHERE id = $2
  AND started_at IS NOT NULL
  AND finished_at IS NULL
  AND failed_at IS NULL
`

const queryFailJob = `
UPDATE conversation_jobs
SET failed_at = $1,
    error_message = $2
WHERE id = $3
  AND started_at IS NOT NULL
  AND finished_at IS NULL
  AND failed_at IS NULL
`

const queryFailStaleJobs = `
WITH stale AS (
    SELECT id FROM conversation_jobs
    WHERE started_at IS NOT NULL
      AND finished_at IS NULL
      AND failed_at IS NULL
      AND started_at < $1
    ORDER BY started_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE conversation_jobs
SET failed_at = $3,
    error_message = $4
FROM stale
WHERE conversation_jobs.id = stale.id
RETURNING conversation_jobs.id
`

const queryJobExists = `
SELECT EXISTS (SELECT 1 FROM conversation_jobs WHERE id = $1)
`
