package messaging

import "google.golang.org/grpc"

const (
	serviceName    = "clustercore.messaging.Messaging"
	exchangeMethod = "/" + serviceName + "/Exchange"
)

// exchangeServer serves the single bidirectional stream of the messaging
// service. Each stream is one inbound connection.
type exchangeServer interface {
	Exchange(stream grpc.ServerStream) error
}

// messagingServiceDesc is written by hand: envelopes are encoded by
// envelopeCodec rather than by generated protobuf messages.
var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Exchange",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(exchangeServer).Exchange(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "messaging.proto",
}
