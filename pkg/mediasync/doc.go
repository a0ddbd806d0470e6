// Package mediasync provides the asynchronous media pipeline that keeps the
// images attached to catalog items in sync with one or more external shops.
//
// A single Service orchestrates four stages on top of pluggable backends:
//
//   - Intake persists a batch of temporary uploads for one owner and
//     schedules derivative processing for every stored asset.
//   - ProcessDerivatives extracts dimensions, converts non-JPEG sources and
//     generates the configured thumbnail sizes.
//   - Push sends the owner's assets to one shop in a single bulk call and
//     designates the primary asset as the cover image.
//   - Pull downloads images that exist on a shop but not locally, refusing to
//     mix images that originate from different shops (a Conflict is recorded
//     instead).
//
// Every stage reports into a progress.Tracker keyed by job id and runs through
// a worker.Scheduler, either deferred on a pool with retries or immediately in
// the caller's goroutine. Repository implementations (memory, Postgres), blob
// stores (memory, filesystem, S3) and shop clients live in subpackages.
//
// Per-destination state
//
// The sync status of an asset is tracked per destination in
// MediaAsset.Destinations. The RemoteID stored there is the durable identity
// of the asset on that shop; it is what Pull compares against, never the file
// name.
package mediasync
