package mpesa

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/soda-storefront/internal/domain/payment"
)

// ParseCallback decodes the result notification posted to the callback URL:
//
//	{"Body":{"stkCallback":{"MerchantRequestID":"...","CheckoutRequestID":"...",
//	  "ResultCode":0,"ResultDesc":"...",
//	  "CallbackMetadata":{"Item":[{"Name":"Amount","Value":1.00}, ...]}}}}
//
// Metadata values may be numbers or strings and some items carry no value at
// all; every present value is kept as text.
func ParseCallback(data []byte) (*payment.Notification, error) {
	n := &payment.Notification{ResultCode: -1}
	found := false

	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "Body" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "stkCallback" {
				return d.Skip()
			}
			found = true
			return decodeCallback(d, n)
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode callback")
	}
	if !found {
		return nil, errors.New("callback without Body.stkCallback")
	}
	return n, nil
}

func decodeCallback(d *jx.Decoder, n *payment.Notification) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "MerchantRequestID":
			v, _, err := scalar(d)
			n.MerchantRequestID = v
			return err
		case "CheckoutRequestID":
			v, _, err := scalar(d)
			n.CheckoutRequestID = v
			return err
		case "ResultDesc":
			v, _, err := scalar(d)
			n.ResultDesc = v
			return err
		case "ResultCode":
			v, ok, err := scalar(d)
			if err != nil || !ok {
				return err
			}
			code, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrap(err, "ResultCode")
			}
			n.ResultCode = code
			return nil
		case "CallbackMetadata":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "Item" {
					return d.Skip()
				}
				return d.Arr(func(d *jx.Decoder) error {
					item, ok, err := decodeItem(d)
					if err != nil {
						return err
					}
					if ok {
						n.Metadata = append(n.Metadata, item)
					}
					return nil
				})
			})
		default:
			return d.Skip()
		}
	})
}

func decodeItem(d *jx.Decoder) (payment.MetadataItem, bool, error) {
	var (
		item     payment.MetadataItem
		hasValue bool
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "Name":
			v, _, err := scalar(d)
			item.Name = v
			return err
		case "Value":
			v, ok, err := scalar(d)
			item.Value = v
			hasValue = ok
			return err
		default:
			return d.Skip()
		}
	})
	return item, err == nil && item.Name != "" && hasValue, err
}
