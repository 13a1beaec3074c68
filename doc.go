// Package bramble orchestrates containerized experiments across a LAN
// of small ARM boards.
//
// # Overview
//
// A bramble is one controller machine plus any number of participant
// devices on the same network. The controller keeps a file-backed
// device registry, sweeps the subnet for SSH-reachable boards, builds
// architecture-specific container images for each experiment stage,
// pushes them to their devices over SSH, runs them in deployment-order
// waves, and collects per-device telemetry into a unified record.
//
// # Architecture
//
//	┌─────────────────┐
//	│  CLI (cobra)    │
//	└────────┬────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  LAN Controller │◄──────┤  Status API     │
//	│  (registry,     │       │  (Echo REST +   │
//	│   discovery)    │       │   websocket)    │
//	└────────┬────────┘       └────────┬────────┘
//	         │                         │
//	┌────────▼────────┐       ┌────────▼────────┐
//	│  Orchestrator   │       │  Telemetry      │
//	│  (build, SSH    │──────►│  (Badger store, │
//	│   deploy, run)  │       │   aggregation)  │
//	└─────────────────┘       └─────────────────┘
//
// # Components
//
//   - internal/registry: durable device and LAN records
//   - internal/lan: subnet discovery and the pre-flight deployment gate
//   - internal/sshx: exclusive per-device SSH sessions with verified
//     file transfer
//   - internal/experiment: descriptor parsing and constraint binding
//   - internal/orchestration: image builds and wave-ordered execution
//   - internal/telemetry: entry store, aggregation, live streaming
//   - internal/api: read-only status surface
package bramble
