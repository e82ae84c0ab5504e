package transportmock_test

import (
	"testing"

	"github.com/golang/mock/gomock"

	transportmock "github.com/sqlraftdb/sqlraft/internal/mocks/transport"
)

func TestMockTransportRecordsSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := transportmock.NewMockTransport(ctrl)
	m.EXPECT().Send(uint64(2), "10.0.0.2:9000", gomock.Any(), gomock.Any()).Times(1)

	m.Send(2, "10.0.0.2:9000", []byte("payload"), func(error) {})
}

func TestMockAddressBookResolves(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := transportmock.NewMockAddressBook(ctrl)
	m.EXPECT().Address(uint64(3)).Return("10.0.0.3:9000", true)

	addr, ok := m.Address(3)
	if !ok || addr != "10.0.0.3:9000" {
		t.Fatalf("got %q, %v", addr, ok)
	}
}
