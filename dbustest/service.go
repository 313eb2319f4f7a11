package dbustest

import (
	"context"
	"testing"

	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/transport"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// Property is a named property value exposed by a [Service].
type Property struct {
	Name  string
	Value dbus.Value
}

type objectInterface struct {
	path  dbus.ObjectPath
	iface string
}

// Service is a fake DBus service, running in-process on the far end
// of a socket pair.
//
// Configure the service with [Service.Handle] and
// [Service.SetProperties], then call [Service.Start] to obtain a
// connection to it. The service answers calls on its own goroutine
// until the test ends.
type Service struct {
	t       *testing.T
	client  *dbus.Conn
	peer    *dbus.Conn
	props   map[objectInterface][]Property
	started bool
}

// NewService returns an unstarted fake service.
//
// The service implements org.freedesktop.DBus.Properties.GetAll and
// Get for the property sets given to [Service.SetProperties], as well
// as org.freedesktop.DBus.Peer.
func NewService(t *testing.T) *Service {
	t.Helper()
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("creating service socket pair: %v", err)
	}
	ret := &Service{
		t:      t,
		client: dbus.NewConn(a),
		peer:   dbus.NewConn(b),
		props:  map[objectInterface][]Property{},
	}
	t.Cleanup(func() {
		ret.client.Close()
		if !ret.started {
			ret.peer.Close()
		}
	})
	ret.peer.Handle(propertiesInterface, "GetAll", ret.getAll)
	ret.peer.Handle(propertiesInterface, "Get", ret.get)
	return ret
}

// Handle answers calls to member on iface with fn. It replaces any
// existing handler, including the built-in property handlers.
func (s *Service) Handle(iface, member string, fn dbus.HandlerFunc) {
	s.mustNotBeStarted()
	s.peer.Handle(iface, member, fn)
}

// SetProperties sets the properties of iface on the object at path.
// Properties are reported in the order given, and names may repeat.
func (s *Service) SetProperties(path dbus.ObjectPath, iface string, props ...Property) {
	s.mustNotBeStarted()
	s.props[objectInterface{path, iface}] = props
}

// Start starts answering calls, and returns the client end of the
// connection to the service. The connection is closed when the test
// ends.
func (s *Service) Start() *dbus.Conn {
	s.t.Helper()
	s.mustNotBeStarted()
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.peer.Serve(ctx)
		s.peer.Close()
	}()
	s.t.Cleanup(func() {
		cancel()
		<-done
	})
	return s.client
}

func (s *Service) mustNotBeStarted() {
	if s.started {
		s.t.Fatal("dbustest.Service cannot be changed after Start")
	}
}

func (s *Service) lookup(call *dbus.Message) ([]Property, error) {
	it, _ := call.Iter()
	iface, ok := it.Str()
	if !ok {
		return nil, dbus.CallError{
			Name:   "org.freedesktop.DBus.Error.InvalidArgs",
			Detail: "interface name must be a string",
		}
	}
	props, ok := s.props[objectInterface{call.Path(), iface}]
	if !ok {
		return nil, dbus.CallError{
			Name:   "org.freedesktop.DBus.Error.UnknownInterface",
			Detail: "no interface " + iface + " on " + string(call.Path()),
		}
	}
	return props, nil
}

func (s *Service) getAll(call *dbus.Message) ([]dbus.Value, error) {
	props, err := s.lookup(call)
	if err != nil {
		return nil, err
	}
	entries := make([]dbus.Value, 0, len(props))
	for _, p := range props {
		entries = append(entries, dbus.DictEntry(dbus.String(p.Name), dbus.Variant(p.Value)))
	}
	return []dbus.Value{dbus.Dict("s", "v", entries...)}, nil
}

func (s *Service) get(call *dbus.Message) ([]dbus.Value, error) {
	props, err := s.lookup(call)
	if err != nil {
		return nil, err
	}
	it, _ := call.Iter()
	it.Next()
	name, _ := it.Str()
	for i := len(props) - 1; i >= 0; i-- {
		if props[i].Name == name {
			return []dbus.Value{dbus.Variant(props[i].Value)}, nil
		}
	}
	return nil, dbus.CallError{
		Name:   "org.freedesktop.DBus.Error.UnknownProperty",
		Detail: "no property " + name,
	}
}
