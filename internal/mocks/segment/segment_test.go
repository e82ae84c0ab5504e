package segmentmock_test

import (
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/sqlraftdb/sqlraft/internal/segment"
	segmentmock "github.com/sqlraftdb/sqlraft/internal/mocks/segment"
)

func TestMockAppenderSatisfiesInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var _ segment.Appender = segmentmock.NewMockAppender(ctrl)
}

func TestMockAppenderBoundsAndCompact(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := segmentmock.NewMockAppender(ctrl)
	m.EXPECT().Bounds().Return(uint64(1), uint64(10))
	m.EXPECT().Compact(uint64(5)).Times(1)

	first, last := m.Bounds()
	if first != 1 || last != 10 {
		t.Fatalf("got %d, %d", first, last)
	}
	m.Compact(5)
}
