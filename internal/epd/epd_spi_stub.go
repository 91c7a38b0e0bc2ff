//go:build !(linux && arm)

// Skeleton Panel implementation for non-linux/arm targets.
//
// 실제 SPI 패널 드라이버는 linux/arm 에서만 활성화된다. 그 외 플랫폼에서는
// 아래 스켈레톤이 링크되어 패키지 전체가 항상 빌드 가능하도록 하고, 실행
// 시에는 시뮬레이터 드라이버를 쓰게 한다.

package epd

import (
	"context"
	"fmt"
	"image"

	"inkcal/internal/refresh"
)

// Panel provides the real SPI implementation on linux/arm only; elsewhere
// every operation reports the platform error below.
type Panel struct{}

// OpenPanel always fails off linux/arm.
func OpenPanel(ctx context.Context, opts PanelOptions) (*Panel, error) {
	return nil, errNoPanel()
}

func (p *Panel) Initialize(ctx context.Context) error { return errNoPanel() }

func (p *Panel) FullUpdate(ctx context.Context, frame image.Image) error { return errNoPanel() }

func (p *Panel) PartialUpdate(ctx context.Context, r refresh.Region, frame image.Image) error {
	return errNoPanel()
}

func (p *Panel) Sleep() error { return errNoPanel() }

func (p *Panel) Wake(ctx context.Context) error { return errNoPanel() }

func (p *Panel) Clear(ctx context.Context) error { return errNoPanel() }

func (p *Panel) Close() error { return nil }

func errNoPanel() error {
	return fmt.Errorf("epd: SPI panel driver is only available on linux/arm")
}
