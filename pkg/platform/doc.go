/*
Package platform assembles and runs a darkroom node.

The platform is the composition root: it constructs every component
from one configuration, brings them up in dependency order, and tears
them down in reverse. Nothing else in the codebase wires components
together.

# Architecture

	                         ┌───────────────┐
	              config ───▶│   Platform     │
	                         └───────┬───────┘
	            ┌────────────────────┼─────────────────────┐
	            │ full node          │                     │ all nodes
	     ┌──────▼──────┐      ┌──────▼──────┐      ┌───────▼───────┐
	     │ api.Server  │      │ fabric +    │      │ worker.Pool   │
	     │ ingress     │      │ ws gateway  │      │ dispatcher    │
	     └──────┬──────┘      └──────┬──────┘      └───┬───────┬───┘
	            │                    │                 │       │
	            │              ┌─────▼─────┐     ┌─────▼───┐ ┌─▼────────┐
	            │              │ events    │     │pipeline │ │ sweeper  │
	            │              │ channel   │     │ engine  │ │          │
	            │              └───────────┘     └─────────┘ └──────────┘
	            │
	     shared backends: blob store (MinIO), metastore (bbolt),
	     queue (redis), event channel (redis pub/sub)

# Startup and Shutdown

Each backend is registered as a critical health component, so readiness
reports 503 until Start has seen every one answer a ping. Start then
prepares buckets, starts the queue janitor and the recurring consistency
sweep, then the worker pool, and finally the fabric and API on full
nodes. A system.startup event announces the node.

Stop reverses the order: announce system.shutdown, stop accepting HTTP,
drain the worker pool, stop the fabric and the monitor loops, then close
the queue, channel, and stores.

# Node Roles

Options.WorkerOnly builds a consume-only node: pool, engine, and
sweeper without ingress, API, or fabric. Cancellation still reaches
such nodes through the shared event channel.

# Dispatch

The worker pool executes jobs through a dispatcher: jobs whose pipeline
is consistency_sweep run the orphan sweeper; everything else runs the
photo pipeline engine.

# Integration Points

  - pkg/config: the single configuration source
  - pkg/api, pkg/ingress, pkg/fabric: the full-node edge
  - pkg/worker, pkg/pipeline, pkg/stages: job execution
  - pkg/queue, pkg/events, pkg/blob, pkg/metastore: backends
  - pkg/health, pkg/metrics: periodic backend probes and gauge sampling
*/
package platform
