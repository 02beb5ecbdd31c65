package twotone

import (
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rfof/pkg/instrument"
)

// Channel is one analyzer channel measuring one tone or product.
type Channel struct {
	Number int
	Name   string
	// OffsetHz and Multiplier shift the receiver range relative to the
	// base channel.
	OffsetHz   int
	Multiplier int
}

// The base channel measures the low primary tone. The others are copies
// tuned to the high tone and the intermodulation products.
var (
	ChannelPL   = Channel{Number: 1, Name: "PL", Multiplier: 1}
	ChannelIM2  = Channel{Number: 2, Name: "IM2", OffsetHz: 0, Multiplier: 2}
	ChannelPH   = Channel{Number: 3, Name: "PH", OffsetHz: 500000, Multiplier: 1}
	ChannelIM3L = Channel{Number: 4, Name: "IM3L", OffsetHz: -1500000, Multiplier: 1}
	ChannelIM3H = Channel{Number: 5, Name: "IM3H", OffsetHz: 1500000, Multiplier: 1}
)

// replicated lists the copies of the base channel in creation order.
var replicated = []Channel{ChannelIM2, ChannelPH, ChannelIM3L, ChannelIM3H}

// readOrder is the order channels are swept and read.
var readOrder = []Channel{ChannelPL, ChannelPH, ChannelIM2, ChannelIM3L, ChannelIM3H}

// ReceiverRefLevel is the reference level of every replicated trace, dBm.
const ReceiverRefLevel = -50

// ReplicateChannels copies the base channel into channels 2-5 and tunes
// each copy. Every copy recreates trace 1 as a side effect, so trace 1 is
// deleted again after each one.
func ReplicateChannels(s instrument.Session, settle time.Duration, sleep func(time.Duration)) error {
	for _, ch := range replicated {
		if err := copyChannel(s, ch); err != nil {
			return err
		}
		sleep(settle)
	}
	return nil
}

func copyChannel(s instrument.Session, ch Channel) error {
	trace := ch.Number + 1
	cmds := []string{
		fmt.Sprintf(":SYSTem:MACRo:COPY:CHANnel:TO %d", ch.Number),
		fmt.Sprintf(":CALCulate%d:PARameter:DEFine:EXTended '%s','B, 1'", ch.Number, ch.Name),
		fmt.Sprintf(":DISPlay:WINDow:TRACe%d:FEED '%s'", trace, ch.Name),
		fmt.Sprintf("DISPlay:WINDow:TRACe%d:Y:SCALe:RLEVel %d", trace, ReceiverRefLevel),
		":DISPlay:WINDow:TRACe1:DELete",
		fmt.Sprintf(":CALCulate%d:PARameter:SELect '%s'", ch.Number, ch.Name),
	}
	if err := writeAll(s, cmds...); err != nil {
		return pkgerrors.Wrapf(err, "channel %s", ch.Name)
	}

	rx, err := instrument.QueryInt(s, fmt.Sprintf(":SENSe%d:FOM:RNUM? 'Receivers'", ch.Number))
	if err != nil {
		return pkgerrors.Wrapf(err, "channel %s receivers range", ch.Name)
	}
	return writeAll(s,
		fmt.Sprintf(":SENSe%d:FOM:RANGe%d:FREQuency:OFFSet %d", ch.Number, rx, ch.OffsetHz),
		fmt.Sprintf(":SENSe%d:FOM:RANGe%d:FREQuency:MULTiplier %d", ch.Number, rx, ch.Multiplier),
	)
}

func writeAll(s instrument.Session, cmds ...string) error {
	for _, c := range cmds {
		if err := s.Write(c); err != nil {
			return err
		}
	}
	return nil
}
