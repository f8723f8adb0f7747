// Package pcsc connects to smart cards through the PC/SC interface. Reader implements the
// Transmitter interface of the parent package.
package pcsc

import (
	"fmt"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/skythen/apdu"
)

// Reader is a connection to a smart card in a PC/SC reader.
type Reader struct {
	context *scard.Context
	card    *scard.Card
	name    string
}

// ListReaders returns the names of all connected PC/SC readers.
func ListReaders() ([]string, error) {
	context, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	defer func() {
		_ = context.Release()
	}()

	readers, err := context.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "list PC/SC readers")
	}

	return readers, nil
}

// Connect connects to the card in the given reader with shared access and any protocol.
func Connect(reader string) (*Reader, error) {
	context, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	card, err := context.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		_ = context.Release()

		return nil, errors.Wrapf(err, "connect to reader %s", reader)
	}

	return &Reader{context: context, card: card, name: reader}, nil
}

// Transmit sends the CAPDU to the card and returns the parsed RAPDU.
func (reader *Reader) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	command := capdu.Bytes()

	log.WithFields(log.Fields{
		"reader": reader.name,
		"capdu":  fmt.Sprintf("%X", command),
	}).Debug("transmit CAPDU")

	raw, err := reader.card.Transmit(command)
	if err != nil {
		return apdu.Rapdu{}, errors.Wrap(err, "transmit to card")
	}

	if len(raw) < 2 {
		return apdu.Rapdu{}, errors.Errorf("RAPDU must be at least 2 bytes long, got: %d", len(raw))
	}

	log.WithFields(log.Fields{
		"reader": reader.name,
		"rapdu":  fmt.Sprintf("%X", raw),
	}).Debug("received RAPDU")

	return apdu.Rapdu{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// Close disconnects from the card and releases the PC/SC context.
func (reader *Reader) Close() error {
	err := reader.card.Disconnect(scard.LeaveCard)

	releaseErr := reader.context.Release()

	if err != nil {
		return errors.Wrap(err, "disconnect from card")
	}

	if releaseErr != nil {
		return errors.Wrap(releaseErr, "release PC/SC context")
	}

	return nil
}
