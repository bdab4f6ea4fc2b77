package pb

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &InvokeRequest{Payload: []byte("payload")}

	data, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out InvokeRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(out.Payload) != "payload" {
		t.Fatalf("unexpected payload: %q", out.Payload)
	}
	if c.Name() != "proto" {
		t.Fatalf("expected codec name proto, got %q", c.Name())
	}
}
