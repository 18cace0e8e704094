//go:build linux
// +build linux

package storage

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/virtshim/guestagent/internal/prot"
)

type fakeHandler struct {
	drivers []string
	create  func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error)
	calls   int
}

func (h *fakeHandler) DriverTypes() []string {
	return h.drivers
}

func (h *fakeHandler) CreateDevice(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
	h.calls++
	return h.create(ctx, stg, sctx)
}

// fakeStore tracks refcounts by mount point the way a sandbox does, without
// any of the surrounding container state.
type fakeStore struct {
	refs      map[string]int
	devices   map[string]Device
	updateErr error
	removed   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refs:    make(map[string]int),
		devices: make(map[string]Device),
	}
}

func (s *fakeStore) AddStorage(mountPoint string) (int, Device) {
	s.refs[mountPoint]++
	return s.refs[mountPoint], s.devices[mountPoint]
}

func (s *fakeStore) UpdateStorage(mountPoint string, device Device) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.devices[mountPoint] = device
	return nil
}

func (s *fakeStore) RemoveStorage(ctx context.Context, mountPoint string) error {
	s.refs[mountPoint]--
	s.removed = append(s.removed, mountPoint)
	if s.refs[mountPoint] <= 0 {
		delete(s.refs, mountPoint)
		delete(s.devices, mountPoint)
	}
	return nil
}

func Test_NewHandlerManager_DriverCollision_Error(t *testing.T) {
	a := &fakeHandler{drivers: []string{"blk", "local"}}
	b := &fakeHandler{drivers: []string{"virtio-fs", "blk"}}

	_, err := NewHandlerManager(a, b)
	if err == nil {
		t.Fatal("expected a collision error for driver \"blk\"")
	}
}

func Test_HandlerManager_Lookup(t *testing.T) {
	a := &fakeHandler{drivers: []string{"blk", "mmioblk"}}
	b := &fakeHandler{drivers: []string{"local"}}

	mgr, err := NewHandlerManager(a, b)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if h, ok := mgr.Handler("mmioblk"); !ok || h != Handler(a) {
		t.Error("expected mmioblk to resolve to its registered handler")
	}
	if _, ok := mgr.Handler("nfs"); ok {
		t.Error("expected no handler for an unregistered driver")
	}

	drivers := mgr.DriverTypes()
	sort.Strings(drivers)
	expected := []string{"blk", "local", "mmioblk"}
	if diff := cmp.Diff(expected, drivers); diff != "" {
		t.Errorf("driver types mismatch (-want +got):\n%s", diff)
	}
}

func Test_AddStorages_MountListInOrder(t *testing.T) {
	h := &fakeHandler{
		drivers: []string{"blk"},
		create: func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
			return NewGenericDevice(stg.MountPoint), nil
		},
	}
	mgr, err := NewHandlerManager(h)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{
		{Driver: "blk", MountPoint: "/run/mounts/m1"},
		{Driver: "blk", MountPoint: "/run/mounts/m2"},
	}
	mountList, err := AddStorages(context.Background(), mgr, store, storages, "c1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	expected := []string{"/run/mounts/m1", "/run/mounts/m2"}
	if diff := cmp.Diff(expected, mountList); diff != "" {
		t.Errorf("mount list mismatch (-want +got):\n%s", diff)
	}
	if h.calls != 2 {
		t.Errorf("expected 2 CreateDevice calls, got: %d", h.calls)
	}
}

func Test_AddStorages_SecondContainer_ReusesDevice(t *testing.T) {
	h := &fakeHandler{
		drivers: []string{"blk"},
		create: func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
			return NewGenericDevice(stg.MountPoint), nil
		},
	}
	mgr, err := NewHandlerManager(h)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{{Driver: "blk", MountPoint: "/run/mounts/shared"}}
	if _, err := AddStorages(context.Background(), mgr, store, storages, "c1"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	mountList, err := AddStorages(context.Background(), mgr, store, storages, "c2")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if h.calls != 1 {
		t.Errorf("expected the device to be created once, got %d calls", h.calls)
	}
	if store.refs["/run/mounts/shared"] != 2 {
		t.Errorf("expected refcount 2, got: %d", store.refs["/run/mounts/shared"])
	}
	expected := []string{"/run/mounts/shared"}
	if diff := cmp.Diff(expected, mountList); diff != "" {
		t.Errorf("mount list mismatch (-want +got):\n%s", diff)
	}
}

func Test_AddStorages_UnknownDriver_RemovesPlaceholder(t *testing.T) {
	mgr, err := NewHandlerManager()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{{Driver: "nfs", MountPoint: "/run/mounts/m1"}}
	if _, err := AddStorages(context.Background(), mgr, store, storages, "c1"); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
	if len(store.refs) != 0 {
		t.Errorf("expected the placeholder reference to be removed, got: %v", store.refs)
	}
}

func Test_AddStorages_CreateFails_RemovesPlaceholder(t *testing.T) {
	expectedErr := errors.New("device not found")
	h := &fakeHandler{
		drivers: []string{"blk"},
		create: func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
			return nil, expectedErr
		},
	}
	mgr, err := NewHandlerManager(h)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{{Driver: "blk", MountPoint: "/run/mounts/m1"}}
	_, err = AddStorages(context.Background(), mgr, store, storages, "c1")
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected err: %v, got: %v", expectedErr, err)
	}
	if len(store.refs) != 0 {
		t.Errorf("expected the placeholder reference to be removed, got: %v", store.refs)
	}
}

func Test_AddStorages_FirstFailureAborts_EarlierMountsStay(t *testing.T) {
	expectedErr := errors.New("device not found")
	h := &fakeHandler{
		drivers: []string{"blk"},
		create: func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
			if stg.MountPoint == "/run/mounts/m2" {
				return nil, expectedErr
			}
			return NewGenericDevice(stg.MountPoint), nil
		},
	}
	mgr, err := NewHandlerManager(h)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{
		{Driver: "blk", MountPoint: "/run/mounts/m1"},
		{Driver: "blk", MountPoint: "/run/mounts/m2"},
		{Driver: "blk", MountPoint: "/run/mounts/m3"},
	}
	_, err = AddStorages(context.Background(), mgr, store, storages, "c1")
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected err: %v, got: %v", expectedErr, err)
	}
	if h.calls != 2 {
		t.Errorf("expected the third storage to never be attempted, got %d calls", h.calls)
	}
	if store.refs["/run/mounts/m1"] != 1 {
		t.Error("expected the first storage to stay attached and owned by the store")
	}
	if _, ok := store.refs["/run/mounts/m2"]; ok {
		t.Error("expected the failed storage's placeholder to be removed")
	}
}

func Test_AddStorages_PathlessDevice_StillReferenced(t *testing.T) {
	h := &fakeHandler{
		drivers: []string{"local"},
		create: func(ctx context.Context, stg *prot.Storage, sctx *Context) (Device, error) {
			return NewGenericDevice(""), nil
		},
	}
	mgr, err := NewHandlerManager(h)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	store := newFakeStore()

	storages := []*prot.Storage{{Driver: "local", MountPoint: "/run/sandbox/vol1"}}
	mountList, err := AddStorages(context.Background(), mgr, store, storages, "c1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// The mount list keys the references the caller must release later, so a
	// device with no path of its own still contributes its mount point.
	expected := []string{"/run/sandbox/vol1"}
	if diff := cmp.Diff(expected, mountList); diff != "" {
		t.Errorf("mount list mismatch (-want +got):\n%s", diff)
	}
	if err := store.RemoveStorage(context.Background(), mountList[0]); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(store.refs) != 0 {
		t.Errorf("expected the reference to be fully released, got: %v", store.refs)
	}
}
