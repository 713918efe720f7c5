package nic

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialContext は、特定のNICのアドレスを送信元として接続する net.Dialer のラッパーです。
type DialContext struct {
	dialer *net.Dialer
}

type DialContextConfig struct {
	NIC       string
	KeepAlive time.Duration
}

func NewDialContext(c DialContextConfig) (*DialContext, error) {
	localAddr, err := LocalAddr(c.NIC)
	if err != nil {
		return nil, fmt.Errorf("get local address: %w", err)
	}
	return &DialContext{dialer: &net.Dialer{
		LocalAddr: &net.TCPAddr{IP: localAddr},
		KeepAlive: c.KeepAlive,
	}}, nil
}

func (n *DialContext) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	return n.dialer.DialContext(ctx, network, address)
}

// LocalAddr は、NICに割り当てられたループバック以外の最初のIPv4アドレスを返却します。
func LocalAddr(nicName string) (net.IP, error) {
	iface, err := net.InterfaceByName(nicName)
	if err != nil {
		return nil, fmt.Errorf("get interface by name: %w", err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("get interface addresses: %w", err)
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}

	return nil, fmt.Errorf("no valid IPv4 address found for interface %s", nicName)
}
