/*
Package compaction merges the many small objects of one time partition into a
single object.

# The Small-File Problem

Pipelines that write one object per event end up with thousands of tiny
objects under each day's prefix:

	s3://raw/events/2024/01/01/event-0001.json   (412 bytes)
	s3://raw/events/2024/01/01/event-0002.json   (398 bytes)
	...
	s3://raw/events/2024/01/01/event-9999.json   (405 bytes)

Every downstream reader pays a request per object. Compaction replaces them
with one object per partition:

	s3://compacted/events/2024/01/01/events-2024-01-01-.json   (4 MB)

# How Compact Works

	┌──────────────┐   ┌──────────────────────┐   ┌──────────────┐
	│ List prefix  │ → │ Append each object   │ → │ Upload once  │
	│ (all pages)  │   │ to a scratch file    │   │ (single Put) │
	└──────────────┘   └──────────────────────┘   └──────────────┘

 1. List every key under the source prefix, following continuation tokens.
 2. Stop with StatusEmpty when nothing is listed.
 3. Wait until the listed bytes fit under Config.ScratchCeiling.
 4. Append each object, in listing order, to a private scratch file.
 5. Upload the scratch file with one all-or-nothing Put.
 6. Remove the scratch directory, on success and on failure.

Scratch directories are named compact-<xxhash of destination>-*. Because the
upload is a single Put, a failed run never leaves a partial object at the
output key.

The merged object is the byte concatenation of its sources. Records are not
parsed, re-encoded or deduplicated.

# Output Naming

The output key is the destination prefix, followed by that prefix with
slashes replaced by dashes, followed by the suffix chain of the first listed
key's base name:

	dest prefix     first key                  output key
	2024/01/01/     2024/01/01/a.json          2024/01/01/2024-01-01-.json
	logs/2024/01/   logs/2024/01/x.csv.gz      logs/2024/01/logs-2024-01-.csv.gz

Config.OutputExtension overrides the derived suffix. When the destination
lies inside the source prefix, keys already named like the output are left
out of the listing so that a re-run does not fold the old output into the
new one.

# Errors

Compact reports failures in the Outcome instead of returning them:

	KindSourceRead        listing or reading a source object failed
	KindSinkWrite         staging or uploading the merged object failed
	KindTimeout           the context expired or was cancelled
	KindScratchExhausted  the partition alone exceeds Config.ScratchCeiling

Failures wrapping a storage.TransientError carry its code in
Outcome.ErrorType and report Retryable() == true. Timeouts are never retried.

# Usage Example

	store := memory.New()
	compactor := compaction.New(log, store, compaction.Config{})

	out := compactor.Compact(ctx, part)
	if !out.OK() {
	    log.Warn("compaction failed", zap.String("error", out.Error))
	}

# See Also

  - pkg/partition for building partitions from a date window
  - pkg/orchestrator for running many partitions with retries
*/
package compaction
