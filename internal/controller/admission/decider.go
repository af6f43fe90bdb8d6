package admission

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

const (
	serviceName = "admission.AdmissionService"
	// ValidateExecutionMethod is the full name of the decision rpc.
	ValidateExecutionMethod = "/" + serviceName + "/ValidateExecution"
)

type Request struct {
	ScenarioId      string               `json:"scenarioId"`
	Tenant          string               `json:"tenant"`
	WorkerCount     int                  `json:"workerCount"`
	DurationSeconds int                  `json:"durationSeconds"`
	ApprovalStatus  model.ApprovalStatus `json:"approvalStatus"`
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Decider makes a single admission decision. An error means no decision could be made; a denial
// is a Decision with Allowed set to false.
type Decider interface {
	Decide(ctx context.Context, request *Request) (*Decision, error)
}

// jsonCodec lets the admission service be spoken to without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GrpcDecider asks a remote admission service over gRPC.
type GrpcDecider struct {
	conn *grpc.ClientConn
}

func NewGrpcDecider(address string, opts ...grpc.DialOption) (*GrpcDecider, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, opts...)
	conn, err := grpc.Dial(address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialling admission service at %s", address)
	}
	return &GrpcDecider{conn: conn}, nil
}

func (d *GrpcDecider) Decide(ctx context.Context, request *Request) (*Decision, error) {
	decision := &Decision{}
	if err := d.conn.Invoke(ctx, ValidateExecutionMethod, request, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

func (d *GrpcDecider) Close() error {
	return d.conn.Close()
}

// RegisterDeciderServer exposes decider as an admission service on server.
func RegisterDeciderServer(server grpc.ServiceRegistrar, decider Decider) {
	server.RegisterService(&serviceDesc, decider)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Decider)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ValidateExecution",
			Handler:    validateExecutionHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission.proto",
}

func validateExecutionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(Request)
	if err := dec(request); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		decision, err := srv.(Decider).Decide(ctx, req.(*Request))
		if err != nil {
			return nil, lgerrors.ToStatus(err)
		}
		return decision, nil
	}
	if interceptor == nil {
		return handler(ctx, request)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValidateExecutionMethod,
	}
	return interceptor(ctx, request, info, handler)
}
