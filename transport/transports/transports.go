// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/agentflow/transport/aws"
	_ "github.com/drblury/agentflow/transport/channel"
	_ "github.com/drblury/agentflow/transport/http"
	_ "github.com/drblury/agentflow/transport/kafka"
	_ "github.com/drblury/agentflow/transport/nats"
	_ "github.com/drblury/agentflow/transport/rabbitmq"
)
