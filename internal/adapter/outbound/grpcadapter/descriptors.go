package grpcadapter

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/grpc"
	reflectpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// registry holds everything reflected from one upstream: the service
// list, a method index keyed by "package.Service/Method", and a dynamic
// type resolver for protojson round-trips.
type registry struct {
	services []string
	methods  map[string]protoreflect.MethodDescriptor
	types    *dynamicpb.Types
}

// fetchRegistry reflects the upstream over grpc.reflection.v1 and builds
// the method index from the returned file descriptors.
func fetchRegistry(ctx context.Context, conn grpc.ClientConnInterface) (*registry, error) {
	stream, err := reflectpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reflection stream: %w", err)
	}
	defer func() { _ = stream.CloseSend() }()

	services, err := listServices(stream)
	if err != nil {
		return nil, err
	}

	protos := make(map[string]*descriptorpb.FileDescriptorProto)
	for _, svc := range services {
		if err := filesForSymbol(stream, svc, protos); err != nil {
			return nil, fmt.Errorf("descriptors for %s: %w", svc, err)
		}
	}

	files, err := buildFiles(protos)
	if err != nil {
		return nil, fmt.Errorf("assemble descriptors: %w", err)
	}
	return newRegistry(services, files), nil
}

func listServices(stream reflectpb.ServerReflection_ServerReflectionInfoClient) ([]string, error) {
	req := &reflectpb.ServerReflectionRequest{
		MessageRequest: &reflectpb.ServerReflectionRequest_ListServices{},
	}
	if err := stream.Send(req); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}

	switch msg := resp.MessageResponse.(type) {
	case *reflectpb.ServerReflectionResponse_ListServicesResponse:
		services := make([]string, 0, len(msg.ListServicesResponse.GetService()))
		for _, svc := range msg.ListServicesResponse.GetService() {
			services = append(services, svc.GetName())
		}
		sort.Strings(services)
		return services, nil
	case *reflectpb.ServerReflectionResponse_ErrorResponse:
		return nil, reflectionError(msg.ErrorResponse)
	default:
		return nil, fmt.Errorf("unexpected reflection response %T", resp.MessageResponse)
	}
}

// filesForSymbol requests the file containing symbol plus its dependency
// closure, merging the result into protos keyed by file name.
func filesForSymbol(stream reflectpb.ServerReflection_ServerReflectionInfoClient, symbol string, protos map[string]*descriptorpb.FileDescriptorProto) error {
	req := &reflectpb.ServerReflectionRequest{
		MessageRequest: &reflectpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: symbol,
		},
	}
	if err := stream.Send(req); err != nil {
		return err
	}
	resp, err := stream.Recv()
	if err != nil {
		return err
	}

	switch msg := resp.MessageResponse.(type) {
	case *reflectpb.ServerReflectionResponse_FileDescriptorResponse:
		for _, raw := range msg.FileDescriptorResponse.GetFileDescriptorProto() {
			fdp := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fdp); err != nil {
				return fmt.Errorf("decode file descriptor: %w", err)
			}
			protos[fdp.GetName()] = fdp
		}
		return nil
	case *reflectpb.ServerReflectionResponse_ErrorResponse:
		return reflectionError(msg.ErrorResponse)
	default:
		return fmt.Errorf("unexpected reflection response %T", resp.MessageResponse)
	}
}

func reflectionError(e *reflectpb.ErrorResponse) error {
	return fmt.Errorf("reflection error %d: %s", e.GetErrorCode(), e.GetErrorMessage())
}

func buildFiles(protos map[string]*descriptorpb.FileDescriptorProto) (*protoregistry.Files, error) {
	fillKnownImports(protos)

	set := &descriptorpb.FileDescriptorSet{
		File: make([]*descriptorpb.FileDescriptorProto, 0, len(protos)),
	}
	for _, fdp := range protos {
		set.File = append(set.File, fdp)
	}
	return protodesc.NewFiles(set)
}

// fillKnownImports backfills imports some servers leave out of their
// reflection responses (well-known types the client is assumed to have)
// from the process-global registry.
func fillKnownImports(protos map[string]*descriptorpb.FileDescriptorProto) {
	pending := make([]*descriptorpb.FileDescriptorProto, 0, len(protos))
	for _, fdp := range protos {
		pending = append(pending, fdp)
	}
	for len(pending) > 0 {
		fdp := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, dep := range fdp.GetDependency() {
			if _, ok := protos[dep]; ok {
				continue
			}
			fd, err := protoregistry.GlobalFiles.FindFileByPath(dep)
			if err != nil {
				continue // let protodesc report the gap
			}
			p := protodesc.ToFileDescriptorProto(fd)
			protos[dep] = p
			pending = append(pending, p)
		}
	}
}

func newRegistry(services []string, files *protoregistry.Files) *registry {
	r := &registry{
		services: services,
		methods:  make(map[string]protoreflect.MethodDescriptor),
		types:    dynamicpb.NewTypes(files),
	}
	for _, svc := range services {
		desc, err := files.FindDescriptorByName(protoreflect.FullName(svc))
		if err != nil {
			continue
		}
		sd, ok := desc.(protoreflect.ServiceDescriptor)
		if !ok {
			continue
		}
		methods := sd.Methods()
		for i := 0; i < methods.Len(); i++ {
			md := methods.Get(i)
			r.methods[svc+"/"+string(md.Name())] = md
		}
	}
	return r
}

// methodSignature renders a proto-style signature used as the capability
// description and as classifier input.
func methodSignature(md protoreflect.MethodDescriptor) string {
	in := string(md.Input().FullName())
	out := string(md.Output().FullName())
	if md.IsStreamingClient() {
		in = "stream " + in
	}
	if md.IsStreamingServer() {
		out = "stream " + out
	}
	return fmt.Sprintf("rpc %s(%s) returns (%s)", md.Name(), in, out)
}
