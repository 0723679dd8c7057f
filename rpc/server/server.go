package server

import (
	"context"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/dObj/lib/db"
	"github.com/ValentinKolb/dObj/rpc/common"
	"github.com/ValentinKolb/dObj/rpc/serializer"
	"github.com/ValentinKolb/dObj/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server
// It takes a config, transport, serializer and the adapter answering
// requests as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//		server.NewSessionServerAdapter(manager),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
	adapter IRPCServerAdapter,
) *rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapter:    adapter,
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapter    IRPCServerAdapter
}

// Handle decodes a request, lets the adapter answer it and encodes the
// response. Undecodable requests are answered with an error message.
func (s *rpcServer) Handle(ctx context.Context, req []byte) []byte {
	var msg common.Message
	var respMsg *common.Message

	if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(db.RetCValidation, "failed to deserialize request: %s", err)
	} else {
		respMsg = s.adapter.Handle(ctx, &msg)
	}

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", respMsg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(db.RetCInfrastructure, "failed to serialize response: %s", err))
	}
	return val
}

// Serve registers the request handler and runs the transport until ctx is
// cancelled
func (s *rpcServer) Serve(ctx context.Context) error {
	s.transport.RegisterHandler(func(req []byte) []byte {
		return s.Handle(ctx, req)
	})
	return s.transport.Listen(ctx, s.config)
}
