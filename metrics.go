// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package drawbridge

// Prometheus metric names exposed on the diagnostic endpoint.
const (
	// MetricSessionsActive counts currently connected sockets with a session.
	MetricSessionsActive = "drawbridge_sessions_active"

	// MetricTerminalsActive counts live remote-owned PTYs.
	MetricTerminalsActive = "drawbridge_terminals_active"

	// MetricAssistantInstancesActive counts live gateway-owned assistant PTYs.
	MetricAssistantInstancesActive = "drawbridge_assistant_instances_active"

	// MetricAssistantSpawns counts assistant:spawn outcomes by path taken
	// (owned, forwarded, rejected).
	MetricAssistantSpawns = "drawbridge_assistant_spawns_total"

	// MetricSyncPatchesPushed counts patches accepted by sync:push.
	MetricSyncPatchesPushed = "drawbridge_sync_patches_pushed_total"

	// MetricMessagesReceived counts request envelopes read from sockets.
	MetricMessagesReceived = "drawbridge_gateway_messages_received_total"

	// MetricEventsSent counts asynchronous events written to sockets.
	MetricEventsSent = "drawbridge_gateway_events_sent_total"

	// MetricRequestDuration measures verb handling latency.
	MetricRequestDuration = "drawbridge_gateway_request_duration_seconds"
)
