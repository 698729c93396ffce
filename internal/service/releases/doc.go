// Package releases coordinates release runs: scheduling a run against a frozen
// checklist snapshot and re-evaluating its gates into a readiness score.
//
// States:
//   - scheduled -> in_progress | ready | blocked   (first evaluation)
//   - in_progress -> in_progress | ready | blocked
//   - blocked -> in_progress | ready | blocked
//
// ready is handed over to the deployment process, which owns completed and
// rolled_back. Evaluating a run in one of those states refreshes its gates and
// score but keeps its status; the derived status is returned as the
// recommendation.
//
// Evaluation only touches auto-evaluated gates. Manual gates keep whatever
// status was last written to storage. Every operation is idempotent; storage
// and template source failures are returned unchanged for the caller to retry.
package releases
