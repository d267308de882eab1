//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/bag/memory"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/player"
	"github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub"
	psgrpc "github.com/Ayrton2718/rosbag-rviz-panel/pkg/pubsub/grpc"
)

type streamed struct {
	topic string
	data  []byte
}

// attachSubscriber dials the broker and proves the stream is live by probing
// it before the test publishes anything that matters.
func attachSubscriber(t *testing.T, ctx context.Context, srv *psgrpc.Server, topics []string) <-chan streamed {
	t.Helper()
	msgs := make(chan streamed, 256)
	go func() {
		client := psgrpc.NewClient(3 * time.Second)
		_ = client.Subscribe(ctx, srv.Addr(), topics, func(topic string, data []byte) {
			msgs <- streamed{topic: topic, data: data}
		})
	}()

	probe, err := srv.CreateSender("/probe", pubsub.TypeDescriptor{Name: "probe", Encoding: "json"}, pubsub.QoS{})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		_ = probe.Send([]byte("ping"))
		select {
		case m := <-msgs:
			if m.topic == "/probe" {
				return msgs
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestPlaybackStreamsOverGRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := psgrpc.NewServer("127.0.0.1:0")
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	msgs := attachSubscriber(t, ctx, srv, nil)

	b := memory.NewBuilder()
	for i := 0; i < 5; i++ {
		b.Add("/scan", "sensor_msgs/msg/LaserScan",
			bag.Time(int64(i)*int64(10*time.Millisecond)), []byte{byte(i)})
	}
	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
	memory.Register(name, b.Build())

	p, err := player.New(player.Options{Open: memory.Open, Broker: srv})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Load(name); err != nil {
		t.Fatal(err)
	}
	events := p.Subscribe(ctx)
	if err := p.SetSpeed(50); err != nil {
		t.Fatal(err)
	}
	if err := p.Play(); err != nil {
		t.Fatal(err)
	}

	finish := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == player.EventFinished {
				done = true
			}
		case <-finish:
			t.Fatal("timed out waiting for playback to finish")
		}
	}

	scans, clocks := 0, 0
	drain := time.After(2 * time.Second)
	for scans < 5 {
		select {
		case m := <-msgs:
			switch m.topic {
			case "/scan":
				if m.data[0] != byte(scans) {
					t.Fatalf("scan %d carried payload %v", scans, m.data)
				}
				scans++
			case player.DefaultClockTopic:
				clocks++
			}
		case <-drain:
			t.Fatalf("streamed %d /scan messages, want 5", scans)
		}
	}
	if clocks == 0 {
		t.Fatal("no simulated-time ticks streamed")
	}
}

func TestTopicFilteredSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := psgrpc.NewServer("127.0.0.1:0")
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	msgs := attachSubscriber(t, ctx, srv, []string{"/probe", "/wanted"})

	wanted, err := srv.CreateSender("/wanted", pubsub.TypeDescriptor{}, pubsub.QoS{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := srv.CreateSender("/other", pubsub.TypeDescriptor{}, pubsub.QoS{})
	if err != nil {
		t.Fatal(err)
	}
	_ = other.Send([]byte("noise"))
	_ = wanted.Send([]byte("signal"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-msgs:
			if m.topic == "/other" {
				t.Fatal("filter leaked an unrequested topic")
			}
			if m.topic == "/wanted" {
				if string(m.data) != "signal" {
					t.Fatalf("payload = %q", m.data)
				}
				return
			}
		case <-deadline:
			t.Fatal("filtered message never arrived")
		}
	}
}
